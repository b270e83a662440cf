package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"meshchat/internal/mesh"
	"meshchat/internal/proto"
)

type replHandlers struct {
	status     func()
	peers      func()
	say        func(text string)
	channel    func(channel, text string)
	msg        func(to, text string)
	join       func(channel, password string)
	leave      func(channel string)
	background func(on bool)
	unknown    func(w io.Writer)
}

// dispatchRepl runs one command line and reports whether the loop should end.
func dispatchRepl(line string, w io.Writer, h replHandlers) bool {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)
	call := func(fn func()) {
		if fn != nil {
			fn()
		}
	}
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "status":
		call(h.status)
	case "peers":
		call(h.peers)
	case "say":
		if h.say != nil {
			h.say(rest)
		}
	case "ch":
		ch, text, _ := strings.Cut(rest, " ")
		if h.channel != nil {
			h.channel(ch, strings.TrimSpace(text))
		}
	case "msg":
		to, text, _ := strings.Cut(rest, " ")
		if h.msg != nil {
			h.msg(to, strings.TrimSpace(text))
		}
	case "join":
		ch, pw, _ := strings.Cut(rest, " ")
		if h.join != nil {
			h.join(ch, strings.TrimSpace(pw))
		}
	case "leave":
		if h.leave != nil {
			h.leave(rest)
		}
	case "bg":
		if h.background != nil {
			h.background(rest == "on")
		}
	default:
		if h.unknown != nil {
			h.unknown(w)
		}
	}
	return false
}

func replUsage(w io.Writer) {
	fmt.Fprintln(w, "commands: status | peers | say <text> | ch <#channel> <text> | msg <peer|nick> <text>")
	fmt.Fprintln(w, "          join <#channel> [password] | leave <#channel> | bg on|off | quit")
}

func runRepl(ctx context.Context, in *bufio.Scanner, w io.Writer, svc *mesh.Service) {
	report := func(err error) {
		if err != nil {
			errColor.Fprintf(w, "error: %v\n", err)
		}
	}
	send := func(channel, text string) {
		id, err := svc.SendMessage(text, mentionsIn(text), channel)
		report(err)
		if err == nil {
			labelColor.Fprintf(w, "  %s sending\n", id.String()[:8])
		}
	}
	h := replHandlers{
		status: func() { fmt.Fprint(w, svc.DebugStatus()) },
		peers: func() {
			names := svc.PeerNicknames()
			ids := make([]proto.PeerID, 0, len(names))
			for id := range names {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return names[ids[i]] < names[ids[j]] })
			for _, id := range ids {
				fmt.Fprintf(w, "%s %s\n", id, names[id])
			}
		},
		say:     func(text string) { send("", text) },
		channel: send,
		msg: func(to, text string) {
			id, nick, ok := resolvePeer(svc.PeerNicknames(), to)
			if !ok {
				errColor.Fprintf(w, "unknown peer %q\n", to)
				return
			}
			_, err := svc.SendPrivateMessage(text, id, nick, uuid.Nil)
			report(err)
		},
		join:       func(ch, pw string) { report(svc.JoinChannel(ch, pw)) },
		leave:      func(ch string) { report(svc.LeaveChannel(ch)) },
		background: func(on bool) { svc.ConnectionManager().SetAppBackgroundState(on) },
		unknown:    replUsage,
	}
	for in.Scan() {
		if ctx.Err() != nil {
			return
		}
		if dispatchRepl(in.Text(), w, h) {
			return
		}
	}
}

// resolvePeer accepts a hex PeerID or a nickname.
func resolvePeer(names map[proto.PeerID]string, s string) (proto.PeerID, string, bool) {
	if id, err := proto.ParsePeerID(s); err == nil {
		return id, names[id], true
	}
	for id, nick := range names {
		if nick == s {
			return id, nick, true
		}
	}
	return proto.PeerID{}, "", false
}

func mentionsIn(text string) []string {
	var out []string
	for _, word := range strings.Fields(text) {
		if strings.HasPrefix(word, "@") && len(word) > 1 {
			out = append(out, strings.TrimRight(word[1:], ".,:;!?"))
		}
	}
	return out
}
