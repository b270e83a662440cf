package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChatPayload rides in Broadcast frames. Exactly one of Content or Sealed is
// set; Sealed carries a channel-key encrypted ChatBody.
type ChatPayload struct {
	MessageID  uuid.UUID `json:"message_id"`
	Sender     string    `json:"sender"`
	Channel    string    `json:"channel,omitempty"`
	Mentions   []string  `json:"mentions,omitempty"`
	Content    string    `json:"content,omitempty"`
	Sealed     []byte    `json:"sealed,omitempty"`
	Commitment []byte    `json:"commitment,omitempty"`
	ClaimedAt  int64     `json:"claimed_at,omitempty"`
}

// ChatBody is the plaintext sealed inside encrypted channel payloads.
type ChatBody struct {
	Content  string   `json:"content"`
	Mentions []string `json:"mentions,omitempty"`
}

// PrivateBody is the plaintext sealed inside Private frames.
type PrivateBody struct {
	MessageID         uuid.UUID `json:"message_id"`
	Sender            string    `json:"sender"`
	RecipientNickname string    `json:"recipient_nickname,omitempty"`
	Content           string    `json:"content"`
}

type DeliveryAck struct {
	OriginalMessageID uuid.UUID `json:"original_message_id"`
	RecipientID       PeerID    `json:"recipient_id"`
	RecipientNickname string    `json:"recipient_nickname,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type ReadReceipt struct {
	OriginalMessageID uuid.UUID `json:"original_message_id"`
	ReaderID          PeerID    `json:"reader_id"`
	ReaderNickname    string    `json:"reader_nickname,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

type ChannelLeave struct {
	Channel string `json:"channel"`
}

type Announce struct {
	Nickname  string `json:"nickname"`
	PublicKey []byte `json:"public_key,omitempty"`
}

func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

func DecodeChatPayload(data []byte) (ChatPayload, error) {
	var p ChatPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ChatPayload{}, err
	}
	if p.MessageID == uuid.Nil {
		return ChatPayload{}, errors.New("missing message_id")
	}
	if len(p.Sealed) > 0 && p.Channel == "" {
		return ChatPayload{}, errors.New("sealed payload without channel")
	}
	return p, nil
}

func DecodeChatBody(data []byte) (ChatBody, error) {
	var b ChatBody
	if err := json.Unmarshal(data, &b); err != nil {
		return ChatBody{}, err
	}
	return b, nil
}

func DecodePrivateBody(data []byte) (PrivateBody, error) {
	var b PrivateBody
	if err := json.Unmarshal(data, &b); err != nil {
		return PrivateBody{}, err
	}
	if b.MessageID == uuid.Nil {
		return PrivateBody{}, errors.New("missing message_id")
	}
	return b, nil
}

func DecodeDeliveryAck(data []byte) (DeliveryAck, error) {
	var a DeliveryAck
	if err := json.Unmarshal(data, &a); err != nil {
		return DeliveryAck{}, err
	}
	if a.OriginalMessageID == uuid.Nil {
		return DeliveryAck{}, errors.New("missing original_message_id")
	}
	return a, nil
}

func DecodeReadReceipt(data []byte) (ReadReceipt, error) {
	var r ReadReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return ReadReceipt{}, err
	}
	if r.OriginalMessageID == uuid.Nil {
		return ReadReceipt{}, errors.New("missing original_message_id")
	}
	return r, nil
}

func DecodeChannelLeave(data []byte) (ChannelLeave, error) {
	var l ChannelLeave
	if err := json.Unmarshal(data, &l); err != nil {
		return ChannelLeave{}, err
	}
	if l.Channel == "" {
		return ChannelLeave{}, errors.New("missing channel")
	}
	return l, nil
}

func DecodeAnnounce(data []byte) (Announce, error) {
	var a Announce
	if err := json.Unmarshal(data, &a); err != nil {
		return Announce{}, err
	}
	if a.Nickname == "" && len(a.PublicKey) == 0 {
		return Announce{}, fmt.Errorf("empty announce")
	}
	return a, nil
}
