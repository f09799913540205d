package app

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
	"github.com/dkeye/classchat/internal/telemetry"
	"github.com/dkeye/classchat/internal/testkit"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

const (
	testEndpoint   = "wss://chat.example.test/ws"
	testCredential = "session-token"
)

type harnessOpts struct {
	capacity   int
	policy     Policy
	ackTimeout time.Duration
	retention  time.Duration
	receipts   int
}

type harness struct {
	t        *testing.T
	clock    *testkit.Clock
	dialer   *testkit.Dialer
	reg      *prometheus.Registry
	conn     *ConnManager
	store    *Store
	registry *Registry
	pipeline *Pipeline
	router   *Router
	self     domain.User
}

func newHarness(t *testing.T, mods ...func(*harnessOpts)) *harness {
	t.Helper()
	o := harnessOpts{capacity: 10, ackTimeout: 5 * time.Second, retention: 30 * time.Second, receipts: 16}
	for _, mod := range mods {
		mod(&o)
	}

	var seq atomic.Int64
	newID := func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }

	h := &harness{
		t:      t,
		clock:  testkit.NewClock(t0),
		dialer: testkit.NewDialer(),
		reg:    prometheus.NewRegistry(),
		self:   domain.User{ID: "teacher-1", DisplayName: "Ms. Achieng"},
	}
	metrics := telemetry.NewMetrics(h.reg)
	h.store = NewStore(h.self.ID)
	h.conn = NewConnManager(h.dialer, h.clock, ManagerConfig{
		Endpoint:          testEndpoint,
		HandshakeTimeout:  time.Second,
		BackoffBase:       100 * time.Millisecond,
		BackoffMax:        time.Second,
		BackoffMultiplier: 2,
		BackoffJitter:     0,
	}, metrics)
	h.registry = NewRegistry(h.conn, h.store, h.clock, newID, o.capacity, 0)
	h.pipeline = NewPipeline(h.store, h.conn, h.clock, newID, h.self, PipelineConfig{
		AckTimeout:     o.ackTimeout,
		OutboxCapacity: o.capacity,
		Policy:         o.policy,
	}, metrics)
	h.router = NewRouter(h.store, h.registry, h.pipeline, h.conn, h.clock, RouterConfig{
		ReceiptRetention: o.retention,
		ReceiptBuffer:    o.receipts,
	}, metrics)

	h.conn.OnFrame(h.router.HandleFrame)
	h.conn.OnStateChange(h.registry.OnStateChange)
	h.conn.OnStateChange(h.pipeline.OnStateChange)
	h.conn.OnConnected(h.registry.Replay)
	h.registry.OnReplayed(h.pipeline.Flush)

	t.Cleanup(func() {
		h.conn.Disconnect()
		h.store.Wait()
	})
	return h
}

func (h *harness) connect() {
	h.t.Helper()
	require.NoError(h.t, h.conn.Connect(context.Background(), testCredential))
	require.Equal(h.t, "connected", h.conn.State().String())
}

// deliver injects a server frame on the live connection.
func (h *harness) deliver(typ, requestID, roomID string, payload any) {
	h.t.Helper()
	c := h.dialer.Last()
	require.NotNil(h.t, c, "no connection")
	c.DeliverEvent(typ, requestID, roomID, payload)
}

func (h *harness) sent(typ string) []protocol.Envelope {
	return h.dialer.SentOfType(typ)
}

// ackJoins acknowledges every join request seen so far on the live connection.
func (h *harness) ackJoins() {
	for _, env := range h.dialer.Last().Sent() {
		if env.Type == protocol.TypeJoin {
			h.deliver(protocol.TypeJoinAck, env.RequestID, env.RoomID, nil)
		}
	}
}

func (h *harness) counter(name string, labels ...string) float64 {
	h.t.Helper()
	families, err := h.reg.Gather()
	require.NoError(h.t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
				return m.GetGauge().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, labels []string) bool {
	for i := 0; i+1 < len(labels); i += 2 {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func serverMessage(id string, room string, seq int64, at time.Time, body string) protocol.MessagePayload {
	return protocol.MessagePayload{
		MessageID:  id,
		RoomID:     room,
		SequenceID: seq,
		SentAt:     at,
		Kind:       "text",
		Sender:     protocol.ActorPayload{ID: "student-9", Name: "Baraka"},
		Body:       body,
	}
}

func keys(msgs []domain.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Key())
	}
	return out
}
