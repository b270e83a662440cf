package outbox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"meshchat/internal/crypto"
	"meshchat/internal/metrics"
	"meshchat/internal/store"
)

func item(key, content string) Item {
	return Item{Key: key, MessageID: uuid.New(), Content: content}
}

func TestDrainPreservesOrderOnce(t *testing.T) {
	q := New(Options{})
	for _, c := range []string{"one", "two", "three"} {
		q.Enqueue(item("pk:bob", c))
	}
	got := q.Drain("pk:bob")
	if len(got) != 3 || got[0].Content != "one" || got[2].Content != "three" {
		t.Fatalf("unexpected drain order: %+v", got)
	}
	if again := q.Drain("pk:bob"); len(again) != 0 {
		t.Fatalf("second drain must be empty, got %d", len(again))
	}
}

func TestCapacityEvictsOldestSilently(t *testing.T) {
	m := metrics.New()
	var evicted []Item
	q := New(Options{Cap: 2, Metrics: m, OnEvict: func(it Item) { evicted = append(evicted, it) }})
	q.Enqueue(item("k", "a"))
	q.Enqueue(item("k", "b"))
	if !q.Enqueue(item("k", "c")) {
		t.Fatalf("expected eviction on overflow")
	}
	got := q.Drain("k")
	if len(got) != 2 || got[0].Content != "b" || got[1].Content != "c" {
		t.Fatalf("expected oldest evicted, got %+v", got)
	}
	if m.Snapshot().Outbox.Evicted != 1 {
		t.Fatalf("eviction should be counted")
	}
	if len(evicted) != 1 || evicted[0].Content != "a" {
		t.Fatalf("evict callback got %+v", evicted)
	}
}

func TestSweepExpires(t *testing.T) {
	var expired []Item
	q := New(Options{MaxAge: time.Minute, OnExpire: func(it Item) { expired = append(expired, it) }})
	now := time.Unix(1000, 0)
	q.now = func() time.Time { return now }
	q.Enqueue(item("k", "old"))
	now = now.Add(30 * time.Second)
	q.Enqueue(item("k", "new"))
	now = now.Add(45 * time.Second)
	if n := q.Sweep(); n != 1 {
		t.Fatalf("expected one expired, got %d", n)
	}
	if len(expired) != 1 || expired[0].Content != "old" {
		t.Fatalf("unexpected expired items %+v", expired)
	}
	if q.Len("k") != 1 {
		t.Fatalf("expected one item left")
	}
}

func TestJournalSurvivesRestart(t *testing.T) {
	j, err := store.NewJournal(filepath.Join(t.TempDir(), "outbox.jsonl"))
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	q := New(Options{Journal: j})
	q.Enqueue(item("k1", "x"))
	q.Enqueue(item("k1", "y"))
	q.Enqueue(item("k2", "z"))
	q.Drain("k2")

	restored := New(Options{Journal: j})
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Total() != 2 || restored.Len("k2") != 0 {
		t.Fatalf("unexpected restored contents: keys=%v", restored.Keys())
	}
	got := restored.Drain("k1")
	if got[0].Content != "x" || got[1].Content != "y" {
		t.Fatalf("order lost across restart: %+v", got)
	}
}

func TestRekeyAppends(t *testing.T) {
	q := New(Options{})
	q.Enqueue(item("nick:bob", "first"))
	q.Enqueue(item("pk:bob", "second"))
	q.Rekey("nick:bob", "pk:bob")
	got := q.Drain("pk:bob")
	if len(got) != 2 || got[1].Key != "pk:bob" {
		t.Fatalf("unexpected rekeyed items %+v", got)
	}
}

func TestJournalKeepsMessageTextSealed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	j, err := store.NewJournal(path)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	key, err := crypto.GenerateStaticKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	sealKey := key.StorageKey("meshchat:outbox:v1")
	q := New(Options{Journal: j, SealKey: sealKey})
	q.Enqueue(item("pk:bob", "meet at the north gate"))

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read journal: %v", err)
	}
	if len(raw) == 0 || bytes.Contains(raw, []byte("north gate")) {
		t.Fatalf("journal holds message text in the clear: %s", raw)
	}

	restored := New(Options{Journal: j, SealKey: sealKey})
	if err := restored.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := restored.Drain("pk:bob")
	if len(got) != 1 || got[0].Content != "meet at the north gate" || got[0].Sealed != nil {
		t.Fatalf("unexpected restored items %+v", got)
	}

	q.Enqueue(item("pk:bob", "second"))
	other, _ := crypto.GenerateStaticKey()
	stranger := New(Options{Journal: j, SealKey: other.StorageKey("meshchat:outbox:v1")})
	if err := stranger.Load(); err != nil {
		t.Fatalf("load with another key: %v", err)
	}
	if stranger.Total() != 0 {
		t.Fatalf("items opened with the wrong key")
	}
}
