//go:generate go run go.uber.org/mock/mockgen -source=transport.go -destination=../mocks/transport_mock.go -package=mocks

package core

import "context"

// Frame is one encoded protocol message.
type Frame []byte

// Conn abstracts one established messaging connection.
// Owned by the adapter; whoever dialed it must Close() it.
type Conn interface {
	// TrySend queues f for writing without blocking.
	TrySend(f Frame) error
	Close()
}

// ConnHandler receives the inbound side of a connection.
// OnClose is invoked exactly once; err is nil when Close was called locally.
type ConnHandler struct {
	OnFrame func(Frame)
	OnClose func(err error)
}

// Dialer establishes connections to the messaging endpoint.
// A rejected credential must be reported as an error wrapping domain.ErrAuth.
type Dialer interface {
	Dial(ctx context.Context, endpoint, credential string, h ConnHandler) (Conn, error)
}
