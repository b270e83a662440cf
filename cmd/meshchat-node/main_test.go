package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"meshchat/internal/metrics"
)

func TestHelp(t *testing.T) {
	var out bytes.Buffer
	code := run([]string{"--help"}, &out, &out)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out.String(), "meshchat-node") {
		t.Fatalf("expected help output to mention meshchat-node")
	}
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"bogus"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "unknown command: bogus") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}

func TestKeygenIsStable(t *testing.T) {
	t.Setenv("MESHCHAT_NODE_HOME", t.TempDir())
	var first, second, errOut bytes.Buffer
	if code := run([]string{"keygen"}, &first, &errOut); code != 0 {
		t.Fatalf("keygen failed: %s", errOut.String())
	}
	if code := run([]string{"keygen"}, &second, &errOut); code != 0 {
		t.Fatalf("second keygen failed: %s", errOut.String())
	}
	if !strings.HasPrefix(first.String(), "fingerprint=") {
		t.Fatalf("unexpected output: %s", first.String())
	}
	if first.String() != second.String() {
		t.Fatalf("key changed between runs:\n%s%s", first.String(), second.String())
	}
}

func TestStatusReadsSnapshot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("MESHCHAT_NODE_HOME", home)
	m := metrics.New()
	m.IncRelayed()
	m.IncRelayed()
	m.IncAcked()
	m.SetCurrentLinks(3)
	if err := m.WriteSnapshot(filepath.Join(home, "metrics.json")); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	var out, errOut bytes.Buffer
	if code := run([]string{"status"}, &out, &errOut); code != 0 {
		t.Fatalf("status failed: %s %s", out.String(), errOut.String())
	}
	s := out.String()
	if !strings.Contains(s, "links: 3") || !strings.Contains(s, "relayed=2") || !strings.Contains(s, "acked=1") {
		t.Fatalf("unexpected status output: %s", s)
	}
}

func TestStatusWithoutSnapshot(t *testing.T) {
	t.Setenv("MESHCHAT_NODE_HOME", t.TempDir())
	var out, errOut bytes.Buffer
	if code := run([]string{"status"}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out.String(), "no metrics snapshot") {
		t.Fatalf("unexpected output: %s", out.String())
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := run([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut); code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut.String(), "config file not found") {
		t.Fatalf("unexpected stderr: %s", errOut.String())
	}
}
