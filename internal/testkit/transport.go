package testkit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
)

var ErrConnClosed = errors.New("connection closed")

// Dialer is a scripted core.Dialer. Each Dial consumes the next scripted error;
// once the script is exhausted dials succeed.
type Dialer struct {
	mu        sync.Mutex
	script    []error
	conns     []*Conn
	dials     int
	sendErr   error
	sendLimit int
	block     int
	waiting   int
}

func NewDialer() *Dialer { return &Dialer{} }

// FailNext queues errors returned by the next dials, in order.
func (d *Dialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.script = append(d.script, errs...)
}

// SetSendError makes TrySend on subsequently dialed conns fail with err.
func (d *Dialer) SetSendError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendErr = err
}

// SetSendLimit bounds the frames a subsequently dialed conn buffers until
// Drain; beyond it TrySend reports backpressure. Zero means unbounded.
func (d *Dialer) SetSendLimit(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sendLimit = n
}

// BlockNext makes the next n dials hang until their context ends.
func (d *Dialer) BlockNext(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.block += n
}

// Waiting returns the number of dials currently hanging.
func (d *Dialer) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *Dialer) Dial(ctx context.Context, endpoint, credential string, h core.ConnHandler) (core.Conn, error) {
	d.mu.Lock()
	d.dials++
	if d.block > 0 {
		d.block--
		d.waiting++
		d.mu.Unlock()
		<-ctx.Done()
		d.mu.Lock()
		d.waiting--
		d.mu.Unlock()
		return nil, errors.Join(domain.ErrTransport, context.Cause(ctx))
	}
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(domain.ErrTransport, err)
	}
	if len(d.script) > 0 {
		err := d.script[0]
		d.script = d.script[1:]
		if err != nil {
			return nil, err
		}
	}
	c := &Conn{handler: h, sendErr: d.sendErr, limit: d.sendLimit}
	d.conns = append(d.conns, c)
	return c, nil
}

// Dials returns how many times Dial was called.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Last returns the most recently established connection.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// Sent returns every frame written on any connection, decoded.
func (d *Dialer) Sent() []protocol.Envelope {
	d.mu.Lock()
	conns := append([]*Conn(nil), d.conns...)
	d.mu.Unlock()
	var out []protocol.Envelope
	for _, c := range conns {
		out = append(out, c.Sent()...)
	}
	return out
}

// SentOfType filters Sent by envelope type.
func (d *Dialer) SentOfType(typ string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, e := range d.Sent() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// Conn records outbound frames and lets tests inject inbound ones.
type Conn struct {
	mu      sync.Mutex
	handler core.ConnHandler
	sent    []protocol.Envelope
	sendErr error
	closed  bool
	limit   int
	queued  int
}

func (c *Conn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.limit > 0 && c.queued >= c.limit {
		return fmt.Errorf("%w: %d frames buffered", domain.ErrBackpressure, c.queued)
	}
	env, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.sent = append(c.sent, env)
	c.queued++
	return nil
}

// Drain empties the send buffer as if the writer caught up.
func (c *Conn) Drain() {
	c.mu.Lock()
	c.queued = 0
	c.mu.Unlock()
}

// Close closes locally; OnClose receives nil.
func (c *Conn) Close() { c.finish(nil) }

// Drop simulates the peer going away with err.
func (c *Conn) Drop(err error) { c.finish(err) }

func (c *Conn) finish(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onClose := c.handler.OnClose
	c.mu.Unlock()
	if onClose != nil {
		onClose(err)
	}
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver feeds an inbound frame to the handler synchronously.
func (c *Conn) Deliver(f core.Frame) {
	c.mu.Lock()
	onFrame := c.handler.OnFrame
	closed := c.closed
	c.mu.Unlock()
	if closed || onFrame == nil {
		return
	}
	onFrame(f)
}

// DeliverEvent encodes and delivers a server event.
func (c *Conn) DeliverEvent(typ, requestID, roomID string, payload any) {
	f, err := protocol.Encode(typ, requestID, roomID, payload)
	if err != nil {
		panic(err)
	}
	c.Deliver(f)
}

func (c *Conn) Sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Envelope(nil), c.sent...)
}
