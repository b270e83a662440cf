package peer

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"meshchat/internal/proto"
)

func pid(b byte) proto.PeerID {
	return proto.PeerID{b, b, b, b, b, b, b, b}
}

func TestDisconnectSurfacesOnce(t *testing.T) {
	tbl := NewTable(Options{})
	a := pid(1)
	if !tbl.MarkConnected(a) {
		t.Fatalf("expected first connect to register")
	}
	if tbl.MarkConnected(a) {
		t.Fatalf("duplicate connect must be ignored")
	}
	if tbl.Discovered(a) {
		t.Fatalf("duplicate discovery of connected peer must be ignored")
	}
	if !tbl.MarkDisconnected(a) {
		t.Fatalf("expected disconnect edge")
	}
	if tbl.MarkDisconnected(a) {
		t.Fatalf("disconnect must surface once")
	}
	rec, ok := tbl.Get(a)
	if !ok || rec.State != StateDisconnected {
		t.Fatalf("expected disconnected record, got %+v", rec)
	}
}

func TestReconnectCreatesFreshRecord(t *testing.T) {
	tbl := NewTable(Options{})
	a := pid(1)
	tbl.MarkConnected(a)
	tbl.SetFavorite(a, true)
	if _, _, err := tbl.Correlate(a, "bob", nil); err != nil {
		t.Fatalf("correlate: %v", err)
	}
	tbl.MarkDisconnected(a)
	if !tbl.MarkConnected(a) {
		t.Fatalf("expected reconnect to register")
	}
	rec, _ := tbl.Get(a)
	if rec.Nickname != "" || rec.Favorite {
		t.Fatalf("expected fresh record, got %+v", rec)
	}
}

func TestCorrelateAcrossPeerIDs(t *testing.T) {
	tbl := NewTable(Options{Grace: time.Minute})
	pub := bytes.Repeat([]byte{7}, 32)
	old, cur := pid(1), pid(2)
	tbl.MarkConnected(old)
	key, prev, err := tbl.Correlate(old, "bob", pub)
	if err != nil || !prev.IsZero() {
		t.Fatalf("first correlate: key=%q prev=%s err=%v", key, prev, err)
	}
	tbl.MarkDisconnected(old)
	if _, ok := tbl.Resolve(old); ok {
		t.Fatalf("no live link expected yet")
	}
	tbl.MarkConnected(cur)
	key2, prev, err := tbl.Correlate(cur, "bob", pub)
	if err != nil {
		t.Fatalf("second correlate: %v", err)
	}
	if key2 != key || prev != old {
		t.Fatalf("expected same identity with prev=%s, got key=%q prev=%s", old, key2, prev)
	}
	got, ok := tbl.Resolve(old)
	if !ok || got != cur {
		t.Fatalf("expected old id to resolve to %s, got %s", cur, got)
	}
}

func TestCorrelateRefusesKeyChange(t *testing.T) {
	tbl := NewTable(Options{})
	a := pid(1)
	tbl.MarkConnected(a)
	if _, _, err := tbl.Correlate(a, "bob", bytes.Repeat([]byte{1}, 32)); err != nil {
		t.Fatalf("correlate: %v", err)
	}
	if _, _, err := tbl.Correlate(a, "bob", bytes.Repeat([]byte{2}, 32)); !errors.Is(err, ErrKeyChanged) {
		t.Fatalf("expected ErrKeyChanged, got %v", err)
	}
}

func TestPruneDropsStaleDisconnected(t *testing.T) {
	tbl := NewTable(Options{Cap: 2, Grace: time.Minute})
	now := time.Unix(1000, 0)
	tbl.now = func() time.Time { return now }
	tbl.MarkConnected(pid(1))
	tbl.MarkDisconnected(pid(1))
	tbl.MarkConnected(pid(2))
	tbl.MarkConnected(pid(3))
	if tbl.Len() != 2 {
		t.Fatalf("expected disconnected record evicted over cap, got %d", tbl.Len())
	}
	tbl.MarkDisconnected(pid(2))
	now = now.Add(2 * time.Minute)
	tbl.MarkConnected(pid(4))
	if _, ok := tbl.Get(pid(2)); ok {
		t.Fatalf("expected stale record pruned")
	}
	if got := tbl.ConnectedCount(); got != 2 {
		t.Fatalf("expected 2 connected, got %d", got)
	}
}

func TestNicknamesOnlyConnected(t *testing.T) {
	tbl := NewTable(Options{})
	tbl.MarkConnected(pid(1))
	tbl.MarkConnected(pid(2))
	tbl.Correlate(pid(1), "alice", nil)
	tbl.Correlate(pid(2), "bob", nil)
	tbl.MarkDisconnected(pid(2))
	names := tbl.Nicknames()
	if len(names) != 1 || names[pid(1)] != "alice" {
		t.Fatalf("unexpected nicknames: %v", names)
	}
}
