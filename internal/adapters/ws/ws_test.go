package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
)

const goodToken = "good-token"

// newEndpoint serves an echo websocket. closeAfter > 0 makes the server
// hang up after that many frames.
func newEndpoint(t *testing.T, closeAfter int) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+goodToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for n := 1; ; n++ {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
			if closeAfter > 0 && n >= closeAfter {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type handlerSink struct {
	frames chan core.Frame
	closed chan error
}

func newSink() *handlerSink {
	return &handlerSink{frames: make(chan core.Frame, 8), closed: make(chan error, 2)}
}

func (p *handlerSink) handler() core.ConnHandler {
	return core.ConnHandler{
		OnFrame: func(f core.Frame) { p.frames <- f },
		OnClose: func(err error) { p.closed <- err },
	}
}

func TestDial_EchoRoundTrip(t *testing.T) {
	req := require.New(t)
	url := newEndpoint(t, 0)
	sink := newSink()

	// given
	c, err := NewDialer(Config{}).Dial(context.Background(), url, goodToken, sink.handler())
	req.NoError(err)

	// when
	req.NoError(c.TrySend(core.Frame(`{"type":"join","room_id":"r1"}`)))
	req.NoError(c.TrySend(core.Frame(`{"type":"join","room_id":"r2"}`)))

	// then frames come back in order
	select {
	case f := <-sink.frames:
		req.JSONEq(`{"type":"join","room_id":"r1"}`, string(f))
	case <-time.After(5 * time.Second):
		req.Fail("no echo")
	}
	select {
	case f := <-sink.frames:
		req.JSONEq(`{"type":"join","room_id":"r2"}`, string(f))
	case <-time.After(5 * time.Second):
		req.Fail("no echo")
	}

	// when closed locally
	c.Close()
	c.Close()

	// then OnClose sees nil exactly once and sends are refused
	select {
	case err := <-sink.closed:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		req.Fail("OnClose not called")
	}
	req.ErrorIs(c.TrySend(core.Frame(`{}`)), ErrConnClosed)
	select {
	case <-sink.closed:
		req.Fail("OnClose called twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDial_RejectedCredential(t *testing.T) {
	url := newEndpoint(t, 0)

	_, err := NewDialer(Config{}).Dial(context.Background(), url, "stolen", newSink().handler())

	require.ErrorIs(t, err, domain.ErrAuth)
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := NewDialer(Config{}).Dial(ctx, "ws://127.0.0.1:1/ws", goodToken, newSink().handler())

	require.ErrorIs(t, err, domain.ErrTransport)
}

func TestConn_PeerHangupReportsTransportError(t *testing.T) {
	req := require.New(t)
	url := newEndpoint(t, 1)
	sink := newSink()
	c, err := NewDialer(Config{}).Dial(context.Background(), url, goodToken, sink.handler())
	req.NoError(err)

	req.NoError(c.TrySend(core.Frame(`{"type":"read"}`)))

	select {
	case err := <-sink.closed:
		req.ErrorIs(err, domain.ErrTransport)
	case <-time.After(5 * time.Second):
		req.Fail("OnClose not called")
	}
}

func TestConn_Backpressure(t *testing.T) {
	req := require.New(t)
	url := newEndpoint(t, 0)
	// one frame per hour: the pump holds at most one frame while waiting
	c, err := NewDialer(Config{SendBuffer: 1, SendRate: 1.0 / 3600}).
		Dial(context.Background(), url, goodToken, newSink().handler())
	req.NoError(err)
	defer c.Close()

	var last error
	for i := 0; i < 5 && last == nil; i++ {
		last = c.TrySend(core.Frame(`{"type":"send"}`))
	}

	req.ErrorIs(last, domain.ErrBackpressure)
}
