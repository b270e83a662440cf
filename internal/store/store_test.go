package store

import (
	"os"
	"path/filepath"
	"testing"
)

type rec struct {
	Seq int    `json:"seq"`
	Msg string `json:"msg"`
}

func TestJournalAppendAndRewrite(t *testing.T) {
	dir := t.TempDir()
	j, err := NewJournal(filepath.Join(dir, "sub", "outbox.jsonl"))
	if err != nil {
		t.Fatalf("new journal: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := j.Append(rec{Seq: i, Msg: "m"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	got, err := ReadAll[rec](j)
	if err != nil || len(got) != 3 || got[2].Seq != 2 {
		t.Fatalf("unexpected records %v err=%v", got, err)
	}
	if err := j.Rewrite([]any{rec{Seq: 9}}); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	got, _ = ReadAll[rec](j)
	if len(got) != 1 || got[0].Seq != 9 {
		t.Fatalf("rewrite not applied: %v", got)
	}
	if _, err := os.Stat(j.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}
}

func TestJournalSkipsCorruptLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "j.jsonl")
	if err := os.WriteFile(path, []byte("{\"seq\":1}\nnot json\n{\"seq\":2}\n"), 0600); err != nil {
		t.Fatalf("seed: %v", err)
	}
	j, _ := NewJournal(path)
	got, err := ReadAll[rec](j)
	if err != nil || len(got) != 2 {
		t.Fatalf("expected 2 good records, got %v err=%v", got, err)
	}
}

func TestJournalMissingFileIsEmpty(t *testing.T) {
	j, _ := NewJournal(filepath.Join(t.TempDir(), "none.jsonl"))
	got, err := ReadAll[rec](j)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty read, got %v err=%v", got, err)
	}
	if err := j.Remove(); err != nil {
		t.Fatalf("remove missing: %v", err)
	}
}
