// Package pprofutil serves the runtime profiler for a running node.
package pprofutil

import (
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"
)

// Server is a started profiler endpoint.
type Server struct {
	Addr string
	srv  *http.Server
}

// Start serves /debug/pprof/ on addr. Non-loopback addresses are refused
// unless allowPublic is set.
func Start(addr string, allowPublic bool) (*Server, error) {
	addr = strings.TrimSpace(addr)
	if !allowPublic && !IsLoopback(addr) {
		return nil, fmt.Errorf("pprof address must be loopback: %s", addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("pprof listen failed: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	s := &Server{
		Addr: ln.Addr().String(),
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
	go func() {
		_ = s.srv.Serve(ln)
	}()
	return s, nil
}

func (s *Server) Close() error {
	return s.srv.Close()
}

// IsLoopback reports whether a host:port listen address binds only to the
// local machine.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
