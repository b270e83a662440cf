package proto

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Message is an application chat message. All fields are set once at send or
// receive time; delivery status is tracked separately by message ID.
type Message struct {
	ID                uuid.UUID `json:"id"`
	Sender            string    `json:"sender"`
	SenderPeerID      PeerID    `json:"sender_peer_id"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	Channel           string    `json:"channel,omitempty"`
	Mentions          []string  `json:"mentions,omitempty"`
	IsPrivate         bool      `json:"is_private"`
	IsRelay           bool      `json:"is_relay"`
	RecipientNickname string    `json:"recipient_nickname,omitempty"`
}

// NormalizeMentions returns the mention set sorted and without duplicates or
// leading '@'.
func NormalizeMentions(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		m = strings.TrimPrefix(strings.TrimSpace(m), "@")
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}
