package domain

import (
	"strings"
	"time"
)

type RoomID string

type RoomKind string

const (
	RoomDirect RoomKind = "direct"
	RoomGroup  RoomKind = "group"
)

func (k RoomKind) Valid() bool {
	return k == RoomDirect || k == RoomGroup
}

// MessageRef points at the latest message of a room for previews.
type MessageRef struct {
	Key        string    `json:"key,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Body       string    `json:"body,omitempty"`
	At         time.Time `json:"at"`
}

func (r MessageRef) IsZero() bool { return r.Key == "" }

type Room struct {
	ID           RoomID        `json:"id"`
	Kind         RoomKind      `json:"kind"`
	Participants []Participant `json:"participants"`
	Name         string        `json:"name,omitempty"`
	LastMessage  MessageRef    `json:"last_message"`
	LastActivity time.Time     `json:"last_activity"`
	Unread       int           `json:"unread"`
}

// DisplayName returns the explicit name, or the participant names for unnamed rooms.
func (r Room) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if len(r.Participants) == 0 {
		return string(r.ID)
	}
	labels := make([]string, 0, len(r.Participants))
	for _, p := range r.Participants {
		labels = append(labels, p.Label())
	}
	return strings.Join(labels, ", ")
}

// HasParticipant reports whether id is a member of the room.
func (r Room) HasParticipant(id UserID) bool {
	for _, p := range r.Participants {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no slices with r.
func (r Room) Clone() Room {
	out := r
	if r.Participants != nil {
		out.Participants = append([]Participant(nil), r.Participants...)
	}
	return out
}
