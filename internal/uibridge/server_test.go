package uibridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"meshchat/internal/crypto"
	"meshchat/internal/mesh"
	"meshchat/internal/proto"
	"meshchat/internal/testutil"
	"meshchat/internal/transport"
)

const waitFor = 3 * time.Second

type testNode struct {
	svc   *mesh.Service
	radio *transport.MemRadio

	mu     sync.Mutex
	events []mesh.Event
}

func newTestNode(t *testing.T, hub *transport.MemHub, name string, tweaks ...func(*mesh.Options)) *testNode {
	t.Helper()
	key, err := crypto.GenerateStaticKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	n := &testNode{radio: hub.NewRadio(name)}
	opts := mesh.Options{
		Key:         key,
		Driver:      n.radio,
		Nickname:    name,
		SweepEvery:  10 * time.Millisecond,
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
		ChannelKDF: func(channel, password string) ([]byte, error) {
			return crypto.KDF("test:"+channel, []byte(password)), nil
		},
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	svc, err := mesh.New(opts)
	if err != nil {
		t.Fatalf("new %s: %v", name, err)
	}
	n.svc = svc
	sub := svc.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.C() {
			n.mu.Lock()
			n.events = append(n.events, ev)
			n.mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = svc.StopServices()
		sub.Close()
		<-done
	})
	return n
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	if err := n.svc.StartServices(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (n *testNode) received(content string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ev := range n.events {
		if ev.Type == mesh.EventMessageReceived && ev.Message.Content == content {
			return true
		}
	}
	return false
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func linked(t *testing.T, hub *transport.MemHub, a, b *testNode) {
	t.Helper()
	hub.InRange(a.radio, b.radio)
	testutil.Eventually(t, waitFor, func() bool {
		_, ok := a.svc.PeerNicknames()[b.svc.MyPeerID()]
		return ok
	}, "peers never linked")
}

func TestStatusReportsSelfAndPeers(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	linked(t, hub, a, b)

	h := New(a.svc, Options{}).Handler()
	rr := do(t, h, "GET", "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status code %d", rr.Code)
	}
	var got statusResponse
	if err := json.NewDecoder(rr.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Self != a.svc.MyPeerID() {
		t.Fatalf("self %s want %s", got.Self, a.svc.MyPeerID())
	}
	if got.Peers[b.svc.MyPeerID().String()] != "bob" {
		t.Fatalf("peers %v", got.Peers)
	}
	if !strings.Contains(got.Debug, "nickname=alice") {
		t.Fatalf("debug %q", got.Debug)
	}
}

func TestSendMessageReachesPeer(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	linked(t, hub, a, b)

	h := New(a.svc, Options{}).Handler()
	rr := do(t, h, "POST", "/messages", sendRequest{Content: "hello mesh"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status code %d: %s", rr.Code, rr.Body.String())
	}
	var sent sentResponse
	if err := json.NewDecoder(rr.Body).Decode(&sent); err != nil || sent.ID == uuid.Nil {
		t.Fatalf("bad response %v %v", sent, err)
	}
	testutil.Eventually(t, waitFor, func() bool { return b.received("hello mesh") }, "bob never got the message")
}

func TestPrivateMessageAndPresentedReceipt(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)
	linked(t, hub, a, b)
	linked(t, hub, b, a)

	ha := New(a.svc, Options{}).Handler()
	hb := New(b.svc, Options{}).Handler()
	rr := do(t, ha, "POST", "/private", privateRequest{Content: "psst", To: b.svc.MyPeerID(), Nickname: "bob"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status code %d: %s", rr.Code, rr.Body.String())
	}
	var sent sentResponse
	if err := json.NewDecoder(rr.Body).Decode(&sent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	testutil.Eventually(t, waitFor, func() bool { return b.received("psst") }, "bob never got the private message")

	rr = do(t, hb, "POST", "/messages/"+sent.ID.String()+"/presented", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("presented code %d: %s", rr.Code, rr.Body.String())
	}
	rr = do(t, hb, "POST", "/messages/"+sent.ID.String()+"/presented", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("second presented code %d", rr.Code)
	}
	testutil.Eventually(t, waitFor, func() bool {
		st, ok := a.svc.DeliveryStatus(sent.ID)
		return ok && st.String() == "read"
	}, "alice never saw the read receipt")
}

func TestBadRequests(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	h := New(a.svc, Options{}).Handler()

	cases := []struct {
		method, path string
		body         any
		want         int
	}{
		{"POST", "/messages", sendRequest{Content: "   "}, http.StatusBadRequest},
		{"POST", "/private", privateRequest{Content: "hi"}, http.StatusBadRequest},
		{"POST", "/messages/not-a-uuid/presented", nil, http.StatusBadRequest},
		{"POST", "/messages/" + uuid.NewString() + "/presented", nil, http.StatusNotFound},
		{"POST", "/peers/zz/block", nil, http.StatusBadRequest},
		{"POST", "/announce", nil, http.StatusServiceUnavailable},
		{"GET", "/announce", nil, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		rr := do(t, h, tc.method, tc.path, tc.body)
		if rr.Code != tc.want {
			t.Fatalf("%s %s: code %d want %d (%s)", tc.method, tc.path, rr.Code, tc.want, rr.Body.String())
		}
	}
}

func TestChannelJoinLeaveAndBlock(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	a.start(t)
	h := New(a.svc, Options{}).Handler()

	rr := do(t, h, "POST", "/channels/%23ops/join", joinRequest{Password: "pw"})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("join code %d: %s", rr.Code, rr.Body.String())
	}
	testutil.Eventually(t, waitFor, func() bool { return a.svc.HasChannelKey("#ops") }, "channel key never derived")

	rr = do(t, h, "DELETE", "/channels/%23ops", nil)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("leave code %d", rr.Code)
	}
	if a.svc.HasChannelKey("#ops") {
		t.Fatalf("key survived leave")
	}

	other := proto.PeerID{9, 9, 9, 9, 9, 9, 9, 9}
	if rr := do(t, h, "POST", "/peers/"+other.String()+"/block", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("block code %d", rr.Code)
	}
	if rr := do(t, h, "DELETE", "/peers/"+other.String()+"/block", nil); rr.Code != http.StatusNoContent {
		t.Fatalf("unblock code %d", rr.Code)
	}
	if rr := do(t, h, "POST", "/background", backgroundRequest{Background: true}); rr.Code != http.StatusNoContent {
		t.Fatalf("background code %d", rr.Code)
	}
	testutil.Eventually(t, waitFor, func() bool {
		return a.radio.DutyCycle() == transport.BackgroundDutyCycle
	}, "radio never went to background duty cycle")
}

func TestEventsStreamOverWebsocket(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	b := newTestNode(t, hub, "bob")
	a.start(t)
	b.start(t)

	srv := httptest.NewServer(New(a.svc, Options{}).Handler())
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/events", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// The subscription is registered by the handler after the upgrade; give
	// it a moment before generating traffic.
	time.Sleep(50 * time.Millisecond)
	hub.InRange(a.radio, b.radio)

	deadline := time.Now().Add(waitFor)
	for {
		_ = conn.SetReadDeadline(deadline)
		var ev mesh.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == mesh.EventPeerConnected && ev.Peer != nil && *ev.Peer == b.svc.MyPeerID() {
			return
		}
	}
}

func TestForeignOriginsAndFormPostsRefused(t *testing.T) {
	hub := transport.NewMemHub()
	a := newTestNode(t, hub, "alice")
	a.start(t)
	h := New(a.svc, Options{AllowedOrigins: []string{"http://localhost:5173/"}}).Handler()

	post := func(origin, contentType, body string) int {
		req := httptest.NewRequest("POST", "/messages", strings.NewReader(body))
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}
	const msg = `{"content":"hi"}`
	cases := []struct {
		name, origin, contentType string
		want                      int
	}{
		{"foreign origin", "http://evil.example", "application/json", http.StatusForbidden},
		{"text/plain form post", "", "text/plain", http.StatusUnsupportedMediaType},
		{"missing content type", "", "", http.StatusUnsupportedMediaType},
		{"same host", "http://example.com", "application/json; charset=utf-8", http.StatusCreated},
		{"allowlisted", "http://LOCALHOST:5173", "application/json", http.StatusCreated},
	}
	for _, tc := range cases {
		if got := post(tc.origin, tc.contentType, msg); got != tc.want {
			t.Fatalf("%s: code %d want %d", tc.name, got, tc.want)
		}
	}

	srv := httptest.NewServer(h)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	if err == nil {
		conn.Close()
		t.Fatalf("foreign origin upgraded to the event stream")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign upgrade response %v", resp)
	}
	conn, _, err = websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:5173"}})
	if err != nil {
		t.Fatalf("allowlisted origin refused: %v", err)
	}
	conn.Close()
}

func TestSendWhileChannelKeyPendingConflicts(t *testing.T) {
	hub := transport.NewMemHub()
	release := make(chan struct{})
	a := newTestNode(t, hub, "alice", func(o *mesh.Options) {
		o.ChannelKDF = func(channel, password string) ([]byte, error) {
			<-release
			return crypto.KDF("test:"+channel, []byte(password)), nil
		}
	})
	a.start(t)
	h := New(a.svc, Options{}).Handler()

	if rr := do(t, h, "POST", "/channels/%23ops/join", joinRequest{Password: "pw"}); rr.Code != http.StatusNoContent {
		t.Fatalf("join code %d", rr.Code)
	}
	rr := do(t, h, "POST", "/messages", sendRequest{Content: "too soon", Channel: "#ops"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("send while deriving: code %d (%s)", rr.Code, rr.Body.String())
	}
	close(release)
	testutil.Eventually(t, waitFor, func() bool { return a.svc.HasChannelKey("#ops") }, "key never derived")
	if rr := do(t, h, "POST", "/messages", sendRequest{Content: "now", Channel: "#ops"}); rr.Code != http.StatusCreated {
		t.Fatalf("send after key ready: code %d", rr.Code)
	}
}
