package pprofutil

import (
	"net/http"
	"testing"
)

func TestIsLoopback(t *testing.T) {
	cases := []struct {
		addr string
		ok   bool
	}{
		{addr: "127.0.0.1:6060", ok: true},
		{addr: "localhost:6060", ok: true},
		{addr: "[::1]:6060", ok: true},
		{addr: "0.0.0.0:6060", ok: false},
		{addr: "192.168.1.10:6060", ok: false},
		{addr: "bad-addr", ok: false},
	}
	for _, tc := range cases {
		if got := IsLoopback(tc.addr); got != tc.ok {
			t.Fatalf("IsLoopback(%q)=%v want %v", tc.addr, got, tc.ok)
		}
	}
}

func TestStartRefusesPublicBind(t *testing.T) {
	if _, err := Start("0.0.0.0:0", false); err == nil {
		t.Fatalf("expected public bind to be refused")
	}
}

func TestStartServesIndex(t *testing.T) {
	s, err := Start("127.0.0.1:0", false)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()
	resp, err := http.Get("http://" + s.Addr + "/debug/pprof/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
