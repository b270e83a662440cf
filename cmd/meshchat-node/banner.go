package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"meshchat/internal/config"
	"meshchat/internal/delivery"
	"meshchat/internal/mesh"
	"meshchat/internal/proto"
)

var (
	titleColor = color.New(color.FgCyan, color.Bold)
	labelColor = color.New(color.FgHiBlack)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	errColor   = color.New(color.FgRed)
)

func banner(w io.Writer, cfg *config.Config, self proto.PeerID, fingerprint string) {
	titleColor.Fprintln(w, "meshchat node")
	field := func(label, format string, args ...any) {
		labelColor.Fprintf(w, "  %s: ", label)
		fmt.Fprintf(w, format+"\n", args...)
	}
	nick := cfg.Node.Nickname
	if nick == "" {
		nick = "(random)"
	}
	field("Nickname", "%s", nick)
	field("Peer ID", "%s", self)
	field("Fingerprint", "%s", fingerprint)
	field("Listen", "%s", cfg.Radio.Listen)
	neighbors := "none"
	if len(cfg.Radio.Neighbors) > 0 {
		neighbors = strings.Join(cfg.Radio.Neighbors, ", ")
	}
	field("Neighbors", "%s", neighbors)
	bridge := "off"
	if cfg.Bridge.Listen != "" {
		bridge = cfg.Bridge.Listen
	}
	field("Bridge", "%s", bridge)
	field("Limits", "ttl=%d outbox=%d/peer ack_timeout=%s", cfg.Mesh.TTL, cfg.Outbox.Cap, cfg.Delivery.AckTimeout)
	field("Home", "%s", cfg.Node.Home)
}

func printEvents(w io.Writer, events <-chan mesh.Event) {
	for ev := range events {
		if line := formatEvent(ev); line != "" {
			fmt.Fprintln(w, line)
		}
	}
}

func formatEvent(ev mesh.Event) string {
	switch ev.Type {
	case mesh.EventMessageReceived:
		m := ev.Message
		where := "public"
		switch {
		case m.IsPrivate:
			where = "dm"
		case m.Channel != "":
			where = m.Channel
		}
		return fmt.Sprintf("[%s] %s: %s", where, okColor.Sprint(m.Sender), m.Content)
	case mesh.EventPeerConnected:
		return labelColor.Sprintf("* peer %s connected", ev.Peer)
	case mesh.EventPeerDisconnected:
		return labelColor.Sprintf("* peer %s disconnected", ev.Peer)
	case mesh.EventChannelLeave:
		return labelColor.Sprintf("* %s left %s", ev.Peer, ev.Channel)
	case mesh.EventChannelKeyReady:
		if ev.KeyReady {
			return okColor.Sprintf("* key ready for %s", ev.Channel)
		}
		return warnColor.Sprintf("* key for %s was dropped", ev.Channel)
	case mesh.EventDeliveryStatusChanged:
		st := ev.Status.String()
		id := ev.MessageID.String()[:8]
		if ev.Status.Status == delivery.StatusFailed {
			return errColor.Sprintf("  %s %s", id, st)
		}
		return labelColor.Sprintf("  %s %s", id, st)
	default:
		return ""
	}
}
