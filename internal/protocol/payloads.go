package protocol

import (
	"time"

	"github.com/dkeye/classchat/internal/domain"
)

type ActorPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type MessagePayload struct {
	MessageID       string       `json:"message_id"`
	ClientMessageID string       `json:"client_message_id,omitempty"`
	RoomID          string       `json:"room_id"`
	SequenceID      int64        `json:"sequence_id,omitempty"`
	SentAt          time.Time    `json:"sent_at"`
	Kind            string       `json:"kind"`
	DurationMS      int64        `json:"duration_ms,omitempty"`
	Sender          ActorPayload `json:"sender"`
	Body            string       `json:"body"`
	Read            bool         `json:"read,omitempty"`
}

// MessageEnvelope is the payload of message-created and send-ack.
type MessageEnvelope struct {
	Message MessagePayload `json:"message"`
}

type HistoryPayload struct {
	Messages []MessagePayload `json:"messages"`
}

// RoomPayload is a partial room; nil fields are left untouched on merge.
type RoomPayload struct {
	ID           string          `json:"id"`
	Kind         *string         `json:"kind,omitempty"`
	Name         *string         `json:"name,omitempty"`
	Participants *[]ActorPayload `json:"participants,omitempty"`
	LastActivity *time.Time      `json:"last_activity,omitempty"`
}

type RoomEnvelope struct {
	Room RoomPayload `json:"room"`
}

type ReadReceiptPayload struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id,omitempty"`
}

// JoinAckPayload optionally carries the room metadata.
type JoinAckPayload struct {
	Room *RoomPayload `json:"room,omitempty"`
}

type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Op        string `json:"op,omitempty"`
}

type JoinRequest struct {
	LastSequenceID int64 `json:"last_sequence_id,omitempty"`
}

type SendRequest struct {
	ClientMessageID string `json:"client_message_id"`
	Body            string `json:"body"`
	Kind            string `json:"kind"`
	DurationMS      int64  `json:"duration_ms,omitempty"`
}

type ReadRequest struct {
	MessageID string `json:"message_id"`
}

type CreateRequest struct {
	Kind         string   `json:"kind"`
	Name         string   `json:"name,omitempty"`
	Participants []string `json:"participants"`
}

// ToDomain converts a server message; server messages are always confirmed.
func (p MessagePayload) ToDomain() domain.Message {
	kind := domain.MessageKind(p.Kind)
	if kind != domain.MessageVoice {
		kind = domain.MessageText
	}
	return domain.Message{
		ID:         domain.MessageID(p.MessageID),
		ClientID:   p.ClientMessageID,
		Status:     domain.StatusConfirmed,
		Seq:        p.SequenceID,
		RoomID:     domain.RoomID(p.RoomID),
		SenderID:   domain.UserID(p.Sender.ID),
		SenderName: p.Sender.Name,
		Body:       p.Body,
		Kind:       kind,
		Duration:   time.Duration(p.DurationMS) * time.Millisecond,
		CreatedAt:  p.SentAt,
		Read:       p.Read,
	}
}

// NewSendRequest builds the outbound payload for a local message.
func NewSendRequest(m domain.Message) SendRequest {
	return SendRequest{
		ClientMessageID: m.ClientID,
		Body:            m.Body,
		Kind:            string(m.Kind),
		DurationMS:      m.Duration.Milliseconds(),
	}
}

// Apply merges the non-nil fields of p into r.
func (p RoomPayload) Apply(r *domain.Room) {
	if r.ID == "" {
		r.ID = domain.RoomID(p.ID)
	}
	if p.Kind != nil {
		if k := domain.RoomKind(*p.Kind); k.Valid() {
			r.Kind = k
		}
	}
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.Participants != nil {
		parts := make([]domain.Participant, 0, len(*p.Participants))
		for _, a := range *p.Participants {
			parts = append(parts, domain.Participant{ID: domain.UserID(a.ID), Name: a.Name})
		}
		r.Participants = parts
	}
	if p.LastActivity != nil && p.LastActivity.After(r.LastActivity) {
		r.LastActivity = *p.LastActivity
	}
	if r.Kind == "" {
		r.Kind = domain.RoomGroup
	}
}
