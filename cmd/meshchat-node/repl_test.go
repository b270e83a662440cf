package main

import (
	"bytes"
	"io"
	"testing"

	"meshchat/internal/proto"
)

func TestReplDispatchStatusAndQuit(t *testing.T) {
	var statusCalls int
	handlers := replHandlers{
		status:  func() { statusCalls++ },
		unknown: func(_ io.Writer) {},
	}
	var out bytes.Buffer
	if dispatchRepl("status", &out, handlers) {
		t.Fatalf("status should not exit")
	}
	if !dispatchRepl("quit", &out, handlers) {
		t.Fatalf("quit should exit")
	}
	if statusCalls != 1 {
		t.Fatalf("expected status to be called once, got %d", statusCalls)
	}
}

func TestReplDispatchArguments(t *testing.T) {
	var gotTo, gotText, gotCh, gotPw string
	var bg, unknown bool
	handlers := replHandlers{
		msg:        func(to, text string) { gotTo, gotText = to, text },
		join:       func(ch, pw string) { gotCh, gotPw = ch, pw },
		background: func(on bool) { bg = on },
		unknown:    func(io.Writer) { unknown = true },
	}
	var out bytes.Buffer
	dispatchRepl("msg bob  hello there", &out, handlers)
	if gotTo != "bob" || gotText != "hello there" {
		t.Fatalf("msg parsed as %q %q", gotTo, gotText)
	}
	dispatchRepl("join #ops secret", &out, handlers)
	if gotCh != "#ops" || gotPw != "secret" {
		t.Fatalf("join parsed as %q %q", gotCh, gotPw)
	}
	dispatchRepl("bg on", &out, handlers)
	if !bg {
		t.Fatalf("bg on not applied")
	}
	// Missing handlers are ignored.
	dispatchRepl("say hi", &out, handlers)
	dispatchRepl("frobnicate", &out, handlers)
	if !unknown {
		t.Fatalf("unknown command not reported")
	}
}

func TestResolvePeer(t *testing.T) {
	bob := proto.PeerID{1, 1, 1, 1, 1, 1, 1, 1}
	names := map[proto.PeerID]string{bob: "bob"}
	if id, nick, ok := resolvePeer(names, "bob"); !ok || id != bob || nick != "bob" {
		t.Fatalf("by nickname: %v %q %v", id, nick, ok)
	}
	if id, _, ok := resolvePeer(names, bob.String()); !ok || id != bob {
		t.Fatalf("by id: %v %v", id, ok)
	}
	if _, _, ok := resolvePeer(names, "carol"); ok {
		t.Fatalf("carol should not resolve")
	}
}

func TestMentionsIn(t *testing.T) {
	got := mentionsIn("hey @bob and @carol, also @")
	if len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("mentions %v", got)
	}
}
