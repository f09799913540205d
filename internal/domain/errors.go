package domain

import (
	"errors"
	"maps"
	"slices"
	"strings"
)

var (
	// ErrAuth: credential missing or rejected. Never retried without a new credential.
	ErrAuth = errors.New("auth error")
	// ErrTransport: network or socket failure, retried with backoff.
	ErrTransport = errors.New("transport error")
	// ErrValidation: malformed local request, rejected before reaching the network.
	ErrValidation = errors.New("validation error")
	// ErrBackpressure: a local queue is full.
	ErrBackpressure = errors.New("backpressure")
	// ErrAckTimeout: the server did not confirm an operation in time.
	ErrAckTimeout = errors.New("ack timeout")

	ErrNotConnected   = errors.New("not connected")
	ErrUnknownRoom    = errors.New("unknown room")
	ErrUnknownMessage = errors.New("unknown message")
)

// ValidationError lists the offending request fields.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, field := range slices.Sorted(maps.Keys(e.Fields)) {
		parts = append(parts, field+": "+e.Fields[field])
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
