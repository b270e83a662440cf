package delivery

import "fmt"

type Status uint8

const (
	StatusSending Status = iota
	StatusSent
	StatusPartiallyDelivered
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusPartiallyDelivered:
		return "partially_delivered"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	for c := StatusSending; c <= StatusFailed; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown delivery status %q", b)
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusRead || s == StatusFailed
}

// State is a delivery status plus the broadcast reach counters.
type State struct {
	Status  Status `json:"status"`
	Reached int    `json:"reached,omitempty"`
	Total   int    `json:"total,omitempty"`
}

func (s State) String() string {
	if s.Status == StatusPartiallyDelivered {
		return fmt.Sprintf("%s(%d/%d)", s.Status, s.Reached, s.Total)
	}
	return s.Status.String()
}

// advances reports whether moving from cur to next is a forward step.
func advances(cur, next State) bool {
	if cur.Status.Terminal() {
		return false
	}
	if next.Status == StatusFailed {
		return cur.Status != StatusDelivered
	}
	if next.Status == StatusPartiallyDelivered && cur.Status == StatusPartiallyDelivered {
		return next.Reached > cur.Reached
	}
	return next.Status > cur.Status
}
