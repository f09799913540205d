// Package ws is the websocket transport for the messaging endpoint.
// It owns framing, the read and write pumps and keepalive only.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
)

type Config struct {
	HandshakeTimeout time.Duration
	// ReadLimit caps one inbound frame in bytes.
	ReadLimit  int64
	PingPeriod time.Duration
	WriteWait  time.Duration
	// SendBuffer is the number of frames TrySend queues before reporting backpressure.
	SendBuffer int
	// SendRate paces outbound frames per second; zero disables pacing.
	SendRate float64
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	if c.PingPeriod <= 0 {
		c.PingPeriod = 30 * time.Second
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 5 * time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 32
	}
	return c
}

func (c Config) limit() rate.Limit {
	if c.SendRate <= 0 {
		return rate.Inf
	}
	return rate.Limit(c.SendRate)
}

// Dialer implements core.Dialer over gorilla/websocket.
type Dialer struct {
	cfg    Config
	dialer *websocket.Dialer
}

func NewDialer(cfg Config) *Dialer {
	cfg = cfg.withDefaults()
	return &Dialer{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

// Dial performs the handshake with the credential as a bearer token.
// A 401 or 403 answer is reported as domain.ErrAuth.
func (d *Dialer) Dial(ctx context.Context, endpoint, credential string, h core.ConnHandler) (core.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+credential)

	ws, resp, err := d.dialer.DialContext(ctx, endpoint, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake refused with %d", domain.ErrAuth, resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	c := newConn(ws, h, d.cfg)
	go c.writePump()
	go c.readPump()

	log.Info().Str("module", "adapters.ws").Str("endpoint", endpoint).Msg("connected")
	return c, nil
}
