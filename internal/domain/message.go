package domain

import (
	"strings"
	"time"
)

type MessageID string

type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageVoice MessageKind = "voice"
)

// Status tags which identity of a message is authoritative.
// Pending and Failed messages are known by ClientID, Confirmed ones by ID.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type Message struct {
	ID         MessageID     `json:"id,omitempty"`
	ClientID   string        `json:"client_id,omitempty"`
	Status     Status        `json:"status"`
	Seq        int64         `json:"seq,omitempty"`
	RoomID     RoomID        `json:"room_id"`
	SenderID   UserID        `json:"sender_id"`
	SenderName string        `json:"sender_name,omitempty"`
	Body       string        `json:"body"`
	Kind       MessageKind   `json:"kind"`
	Duration   time.Duration `json:"duration,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	Read       bool          `json:"read"`
	FailReason string        `json:"fail_reason,omitempty"`
}

// Key is the identity currently in force for the message.
func (m Message) Key() string {
	if m.Status == StatusConfirmed {
		return string(m.ID)
	}
	return m.ClientID
}

func (m Message) Confirmed() bool { return m.Status == StatusConfirmed }

// Before orders two confirmed messages by (Seq, CreatedAt, ID).
func (m Message) Before(o Message) bool {
	if m.Seq != o.Seq {
		return m.Seq < o.Seq
	}
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}

const previewRunes = 80

// Ref builds the preview reference stored on the room.
func (m Message) Ref() MessageRef {
	body := m.Body
	if m.Kind == MessageVoice {
		body = "voice message"
	}
	if r := []rune(body); len(r) > previewRunes {
		body = strings.TrimSpace(string(r[:previewRunes])) + "…"
	}
	return MessageRef{Key: m.Key(), SenderName: m.SenderName, Body: body, At: m.CreatedAt}
}
