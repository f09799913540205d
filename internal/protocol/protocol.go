// Package protocol defines the JSON frames exchanged with the messaging endpoint.
//
// Every frame is an Envelope; the payload shape depends on Type. Requests that
// expect an answer carry a RequestID which the server echoes on the matching
// ack or error frame.
package protocol

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/dkeye/classchat/internal/core"
)

// Client -> server.
const (
	TypeJoin   = "join"
	TypeLeave  = "leave"
	TypeCreate = "create"
	TypeSend   = "send"
	TypeRead   = "read"
)

// Server -> client.
const (
	TypeHistorySnapshot = "history-snapshot"
	TypeMessageCreated  = "message-created"
	TypeRoomUpdated     = "room-updated"
	TypeRoomRemoved     = "room-removed"
	TypeReadReceipt     = "read-receipt"
	TypeJoinAck         = "join-ack"
	TypeLeaveAck        = "leave-ack"
	TypeCreateAck       = "create-ack"
	TypeSendAck         = "send-ack"
	TypeError           = "error"
)

var (
	ErrBadFrame   = errors.New("bad frame")
	ErrBadPayload = errors.New("bad payload")
)

type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	RoomID    string          `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload (may be nil) into a frame.
func Encode(typ, requestID, roomID string, payload any) (core.Frame, error) {
	env := Envelope{Type: typ, RequestID: requestID, RoomID: roomID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return b, nil
}

// Decode parses the envelope only; the payload stays raw until Bind.
func Decode(f core.Frame) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrBadFrame)
	}
	return env, nil
}

// Bind decodes the payload into v.
func (e Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s has no payload", ErrBadPayload, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadPayload, e.Type, err)
	}
	return nil
}
