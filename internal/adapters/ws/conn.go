package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
)

var ErrConnClosed = errors.New("connection closed")

// Conn is one live websocket. Frames queued with TrySend are written by a
// single write pump in order; inbound frames are handed to the handler from
// the read pump.
type Conn struct {
	ws      *websocket.Conn
	handler core.ConnHandler
	cfg     Config
	limiter *rate.Limiter
	send    chan core.Frame

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newConn(ws *websocket.Conn, h core.ConnHandler, cfg Config) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ws:      ws,
		handler: h,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.limit(), 1),
		send:    make(chan core.Frame, cfg.SendBuffer),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// TrySend queues f without blocking.
func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return fmt.Errorf("%w: %d frames waiting", domain.ErrBackpressure, cap(c.send))
	}
}

// Close sends a close frame and tears the connection down. OnClose gets nil.
func (c *Conn) Close() {
	c.shutdown(nil, true)
}

// shutdown runs once, whichever side ends the connection first.
// OnClose is invoked outside the once so the handler may call Close.
func (c *Conn) shutdown(cause error, local bool) {
	first := false
	c.once.Do(func() {
		first = true
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		c.cancel()

		if local {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteWait))
		}
		_ = c.ws.Close()
	})
	if !first {
		return
	}
	if cause != nil {
		log.Warn().Str("module", "adapters.ws").Err(cause).Msg("connection lost")
	}
	if c.handler.OnClose != nil {
		c.handler.OnClose(cause)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.limiter.Wait(c.ctx); err != nil {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.shutdown(fmt.Errorf("%w: %v", domain.ErrTransport, err), false)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, f); err != nil {
				c.shutdown(fmt.Errorf("%w: write: %v", domain.ErrTransport, err), false)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait)); err != nil {
				c.shutdown(fmt.Errorf("%w: ping: %v", domain.ErrTransport, err), false)
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	// a peer that misses a whole ping period is considered gone
	pongWait := c.cfg.PingPeriod * 10 / 9
	c.ws.SetReadLimit(c.cfg.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(fmt.Errorf("%w: read: %v", domain.ErrTransport, err), false)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.handler.OnFrame != nil {
			c.handler.OnFrame(core.Frame(data))
		}
	}
}
