// Package uibridge exposes the engine to an out-of-process UI over HTTP, with
// engine events streamed on a websocket.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"meshchat/internal/debuglog"
	"meshchat/internal/delivery"
	"meshchat/internal/mesh"
	"meshchat/internal/proto"
	"meshchat/internal/router"
	"meshchat/internal/session"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxInboundSize = 512
	maxBodySize    = 64 << 10
)

type Options struct {
	// AllowedOrigins lists browser origins, besides the bridge's own host,
	// that may call the bridge, e.g. "http://localhost:5173".
	AllowedOrigins []string
}

type Server struct {
	cmds     mesh.Commands
	origins  map[string]struct{}
	router   *mux.Router
	upgrader websocket.Upgrader
	http     *http.Server
}

func New(cmds mesh.Commands, opts Options) *Server {
	s := &Server{
		cmds:    cmds,
		origins: make(map[string]struct{}, len(opts.AllowedOrigins)),
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/"); o != "" {
			s.origins[o] = struct{}{}
		}
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.originAllowed,
	}
	r := mux.NewRouter()
	r.Use(logRequests)
	r.Use(s.requireOrigin)
	r.HandleFunc("/events", s.events).Methods("GET")
	r.HandleFunc("/messages", s.sendMessage).Methods("POST")
	r.HandleFunc("/private", s.sendPrivate).Methods("POST")
	r.HandleFunc("/announce", s.announce).Methods("POST")
	r.HandleFunc("/background", s.background).Methods("POST")
	r.HandleFunc("/channels/{name}/join", s.joinChannel).Methods("POST")
	r.HandleFunc("/channels/{name}", s.leaveChannel).Methods("DELETE")
	r.HandleFunc("/messages/{id}/presented", s.presented).Methods("POST")
	r.HandleFunc("/peers/{id}/block", s.block).Methods("POST")
	r.HandleFunc("/peers/{id}/block", s.unblock).Methods("DELETE")
	r.HandleFunc("/status", s.status).Methods("GET")
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve blocks until ln is closed or Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	s.http = &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	err := s.http.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		debuglog.Debugf("bridge %s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

// originAllowed accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured allowlist.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	_, ok := s.origins[strings.ToLower(u.Scheme+"://"+u.Host)]
	return ok
}

func (s *Server) requireOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.originAllowed(r) {
			debuglog.RateLimitedf("bridge-origin", time.Minute, "bridge refused origin %q", r.Header.Get("Origin"))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type sendRequest struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions"`
	Channel  string   `json:"channel"`
}

type privateRequest struct {
	Content  string       `json:"content"`
	To       proto.PeerID `json:"to"`
	Nickname string       `json:"nickname"`
	ID       uuid.UUID    `json:"id"`
}

type backgroundRequest struct {
	Background bool `json:"background"`
}

type joinRequest struct {
	Password string `json:"password"`
}

type sentResponse struct {
	ID uuid.UUID `json:"id"`
}

type statusResponse struct {
	Self  proto.PeerID      `json:"self"`
	Peers map[string]string `json:"peers"`
	Debug string            `json:"debug"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		http.Error(w, "content type must be application/json", http.StatusUnsupportedMediaType)
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, mesh.ErrNotRunning), errors.Is(err, router.ErrNotRunning):
		code = http.StatusServiceUnavailable
	case errors.Is(err, delivery.ErrUnknownMessage):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrKeyPending):
		code = http.StatusConflict
	}
	http.Error(w, err.Error(), code)
}

func peerVar(w http.ResponseWriter, r *http.Request) (proto.PeerID, bool) {
	id, err := proto.ParsePeerID(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return proto.PeerID{}, false
	}
	return id, true
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.cmds.SendMessage(req.Content, req.Mentions, req.Channel)
	if err != nil && id == uuid.Nil {
		writeError(w, err)
		return
	}
	// A send that failed after tracking still has an ID; its status says Failed.
	writeJSON(w, http.StatusCreated, sentResponse{ID: id})
}

func (s *Server) sendPrivate(w http.ResponseWriter, r *http.Request) {
	var req privateRequest
	if !decode(w, r, &req) {
		return
	}
	id, err := s.cmds.SendPrivateMessage(req.Content, req.To, req.Nickname, req.ID)
	if err != nil && id == uuid.Nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sentResponse{ID: id})
}

func (s *Server) announce(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.SendBroadcastAnnounce(); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) background(w http.ResponseWriter, r *http.Request) {
	var req backgroundRequest
	if !decode(w, r, &req) {
		return
	}
	s.cmds.ConnectionManager().SetAppBackgroundState(req.Background)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) joinChannel(w http.ResponseWriter, r *http.Request) {
	var req joinRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	if err := s.cmds.JoinChannel(mux.Vars(r)["name"], req.Password); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) leaveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.cmds.LeaveChannel(mux.Vars(r)["name"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) presented(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cmds.MarkMessagePresented(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) block(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r)
	if !ok {
		return
	}
	s.cmds.BlockPeer(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) unblock(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r)
	if !ok {
		return
	}
	s.cmds.UnblockPeer(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	peers := make(map[string]string)
	for id, nick := range s.cmds.PeerNicknames() {
		peers[id.String()] = nick
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Self:  s.cmds.MyPeerID(),
		Peers: peers,
		Debug: s.cmds.DebugStatus(),
	})
}
