package app

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
	"github.com/dkeye/classchat/internal/telemetry"
)

func ackFor(env protocol.Envelope, id string, seq int64) protocol.MessageEnvelope {
	var p protocol.SendRequest
	_ = env.Bind(&p)
	return protocol.MessageEnvelope{Message: protocol.MessagePayload{
		MessageID:       id,
		ClientMessageID: p.ClientMessageID,
		RoomID:          env.RoomID,
		SequenceID:      seq,
		SentAt:          t0,
		Kind:            p.Kind,
		Sender:          protocol.ActorPayload{ID: "teacher-1", Name: "Ms. Achieng"},
		Body:            p.Body,
	}}
}

func TestSend_VisibleAtOnceThenConfirmed(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	var events recorder[MessageEvent]
	h.store.OnMessage("r1", events.add)

	// when
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Exam starts at 10"})

	// then it is pending and on the wire
	req.NoError(err)
	req.Equal(domain.StatusPending, m.Status)
	req.Equal([]string{m.ClientID}, keys(h.store.Messages("r1")))
	sends := h.sent(protocol.TypeSend)
	req.Len(sends, 1)
	req.Equal(m.ClientID, sends[0].RequestID)

	// when the server acknowledges
	h.deliver(protocol.TypeSendAck, sends[0].RequestID, "r1", ackFor(sends[0], "m1", 1))
	h.store.Wait()

	// then the same entry is confirmed
	msgs := h.store.Messages("r1")
	req.Len(msgs, 1)
	req.Equal(domain.MessageID("m1"), msgs[0].ID)
	req.Equal(m.ClientID, msgs[0].ClientID)
	req.True(msgs[0].Confirmed())
	room, _ := h.store.Get("r1")
	req.Equal(0, room.Unread)

	got := events.all()
	req.Len(got, 2)
	req.Equal(MessageAdded, got[0].Change)
	req.Equal(MessageConfirmed, got[1].Change)
	req.Equal(1.0, h.counter("classchat_sends_total", "outcome", telemetry.OutcomeConfirmed))

	// and no timeout fires later
	h.clock.Advance(time.Minute)
	req.True(h.store.Messages("r1")[0].Confirmed())
}

func TestSend_RejectsInvalidRequests(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	cases := []struct {
		name  string
		in    SendRequest
		field string
	}{
		{"empty content", SendRequest{RoomID: "r1", Content: ""}, "content"},
		{"blank content", SendRequest{RoomID: "r1", Content: " \n\t "}, "content"},
		{"too long", SendRequest{RoomID: "r1", Content: strings.Repeat("a", MaxContentLen+1)}, "content"},
		{"no room", SendRequest{Content: "hi"}, "room_id"},
		{"bad kind", SendRequest{RoomID: "r1", Content: "hi", Kind: "sticker"}, "kind"},
		{"duration on text", SendRequest{RoomID: "r1", Content: "hi", Duration: time.Second}, "duration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.pipeline.Send(tc.in)

			require.ErrorIs(t, err, domain.ErrValidation)
			var ve *domain.ValidationError
			require.ErrorAs(t, err, &ve)
			require.Contains(t, ve.Fields, tc.field)
		})
	}

	req.Empty(h.store.List())
	req.Empty(h.sent(protocol.TypeSend))
	req.Equal(float64(len(cases)), h.counter("classchat_sends_total", "outcome", telemetry.OutcomeRejected))
}

func TestSend_ContentAtLimitIsAccepted(t *testing.T) {
	h := newHarness(t)
	h.connect()

	_, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: strings.Repeat("a", MaxContentLen)})

	require.NoError(t, err)
}

func TestSend_VoiceCarriesDuration(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "blob://v1", Kind: domain.MessageVoice, Duration: 1500 * time.Millisecond})

	req.NoError(err)
	req.Equal(domain.MessageVoice, m.Kind)
	var p protocol.SendRequest
	req.NoError(h.sent(protocol.TypeSend)[0].Bind(&p))
	req.Equal(int64(1500), p.DurationMS)
	req.Equal("voice", p.Kind)
}

func TestSend_OfflineRoundTrip(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)

	// given a join and a send composed while offline
	req.NoError(h.registry.Join("r1"))
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Sorry, running late"})
	req.NoError(err)
	req.Equal(1, h.pipeline.Queued())
	req.Equal([]string{m.ClientID}, keys(h.store.Messages("r1")))

	// when
	h.connect()

	// then the join precedes the queued send on the new connection
	var types []string
	for _, env := range h.dialer.Last().Sent() {
		types = append(types, env.Type)
	}
	req.Equal([]string{protocol.TypeJoin, protocol.TypeSend}, types)
	req.Equal(0, h.pipeline.Queued())

	send := h.sent(protocol.TypeSend)[0]
	h.deliver(protocol.TypeSendAck, send.RequestID, "r1", ackFor(send, "m1", 1))
	msgs := h.store.Messages("r1")
	req.Len(msgs, 1)
	req.True(msgs[0].Confirmed())
}

func TestSend_OutboxRejectNewest(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *harnessOpts) { o.capacity = 2 })

	_, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "one"})
	req.NoError(err)
	_, err = h.pipeline.Send(SendRequest{RoomID: "r1", Content: "two"})
	req.NoError(err)
	_, err = h.pipeline.Send(SendRequest{RoomID: "r1", Content: "three"})

	req.ErrorIs(err, domain.ErrBackpressure)
	req.Len(h.store.Messages("r1"), 2)
	req.Equal(2, h.pipeline.Queued())
	req.Equal(2.0, h.counter("classchat_outbox_depth"))
}

func TestSend_OutboxDropOldest(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *harnessOpts) {
		o.capacity = 2
		o.policy = DropOldestPolicy{}
	})

	first, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "one"})
	req.NoError(err)
	_, err = h.pipeline.Send(SendRequest{RoomID: "r1", Content: "two"})
	req.NoError(err)
	_, err = h.pipeline.Send(SendRequest{RoomID: "r1", Content: "three"})
	req.NoError(err)

	dropped, ok := h.store.Local(first.ClientID)
	req.True(ok)
	req.Equal(domain.StatusFailed, dropped.Status)
	req.Equal(ReasonBackpressure, dropped.FailReason)

	h.connect()
	var bodies []string
	for _, env := range h.sent(protocol.TypeSend) {
		var p protocol.SendRequest
		req.NoError(env.Bind(&p))
		bodies = append(bodies, p.Body)
	}
	req.Equal([]string{"two", "three"}, bodies)
}

func TestSend_AckTimeoutThenLateAck(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Field trip forms due"})
	req.NoError(err)

	// when no ack arrives in time
	h.clock.Advance(5 * time.Second)

	// then
	failed, ok := h.store.Local(m.ClientID)
	req.True(ok)
	req.Equal(domain.StatusFailed, failed.Status)
	req.Equal(domain.ErrAckTimeout.Error(), failed.FailReason)

	// when the ack finally shows up
	send := h.sent(protocol.TypeSend)[0]
	h.deliver(protocol.TypeSendAck, send.RequestID, "r1", ackFor(send, "m1", 1))

	// then the failed entry is confirmed instead of duplicated
	msgs := h.store.Messages("r1")
	req.Len(msgs, 1)
	req.True(msgs[0].Confirmed())
	req.Empty(msgs[0].FailReason)
}

func TestRetry(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Parents meeting at 4"})
	req.NoError(err)

	_, err = h.pipeline.Retry(m.ClientID)
	req.ErrorIs(err, domain.ErrValidation, "pending messages cannot be retried")
	_, err = h.pipeline.Retry("nope")
	req.ErrorIs(err, domain.ErrUnknownMessage)

	h.clock.Advance(5 * time.Second)

	// when
	again, err := h.pipeline.Retry(m.ClientID)

	// then the same client id goes out again
	req.NoError(err)
	req.Equal(domain.StatusPending, again.Status)
	req.Equal(m.ClientID, again.ClientID)
	sends := h.sent(protocol.TypeSend)
	req.Len(sends, 2)
	req.Equal(sends[0].RequestID, sends[1].RequestID)
	req.Len(h.store.Messages("r1"), 1)
}

func TestRetry_OfflineQueues(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "hello"})
	req.NoError(err)
	h.clock.Advance(5 * time.Second)
	h.conn.Disconnect()

	again, err := h.pipeline.Retry(m.ClientID)
	req.NoError(err)
	req.Equal(domain.StatusPending, again.Status)
	req.Equal(1, h.pipeline.Queued())

	h.connect()
	req.Len(h.dialer.Last().Sent(), 1)
	req.Equal(0, h.pipeline.Queued())
}

func TestSend_ServerErrorFailsMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "hello"})
	req.NoError(err)

	h.deliver(protocol.TypeError, m.ClientID, "r1", protocol.ErrorPayload{Code: "forbidden", Message: "not a member of r1"})

	failed, ok := h.store.Local(m.ClientID)
	req.True(ok)
	req.Equal(domain.StatusFailed, failed.Status)
	req.Equal("not a member of r1", failed.FailReason)

	// the ack timer was stopped with it
	h.clock.Advance(time.Minute)
	req.Equal(1.0, h.counter("classchat_sends_total", "outcome", telemetry.OutcomeFailed))
}

func TestSend_TransportBackpressureFails(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.dialer.SetSendError(domain.ErrBackpressure)
	h.connect()

	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "hello"})

	req.NoError(err)
	req.Equal(domain.StatusFailed, m.Status)
	req.Equal(ReasonBackpressure, m.FailReason)
	req.Equal(0, h.pipeline.Queued())
}

func TestSend_EchoConfirmsLocalEntry(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "hello"})
	req.NoError(err)

	send := h.sent(protocol.TypeSend)[0]
	h.deliver(protocol.TypeMessageCreated, "", "r1", ackFor(send, "m1", 1))
	h.deliver(protocol.TypeSendAck, send.RequestID, "r1", ackFor(send, "m1", 1))

	msgs := h.store.Messages("r1")
	req.Len(msgs, 1)
	req.Equal(m.ClientID, msgs[0].ClientID)
	req.True(msgs[0].Confirmed())
}

func TestSend_ConnectionLostBeforeTransmitRequeues(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	// the peer closes the socket
	h.dialer.Last().Close()
	m, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "still there?"})

	req.NoError(err)
	req.Equal(domain.StatusPending, m.Status)
	req.Equal(1, h.pipeline.Queued())
}

func TestFlush_PausesWhileSocketBufferIsFull(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	for i := 1; i <= 7; i++ {
		_, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: fmt.Sprintf("note %d", i)})
		req.NoError(err)
	}
	h.dialer.SetSendLimit(3)

	// when the connection comes up with room for three frames
	h.connect()

	// then the rest waits in the outbox and nothing fails
	req.Len(h.sent(protocol.TypeSend), 3)
	req.Equal(4, h.pipeline.Queued())
	for _, m := range h.store.Messages("r1") {
		req.Equal(domain.StatusPending, m.Status, m.Body)
	}

	// and a send issued meanwhile queues behind them
	late, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "note 8"})
	req.NoError(err)
	req.Equal(domain.StatusPending, late.Status)
	req.Equal(5, h.pipeline.Queued())

	// when the socket catches up twice
	h.dialer.Last().Drain()
	h.clock.Advance(defaultResumeDelay)
	req.Len(h.sent(protocol.TypeSend), 6)
	h.dialer.Last().Drain()
	h.clock.Advance(defaultResumeDelay)

	// then everything went out once, in order
	var bodies []string
	for _, env := range h.sent(protocol.TypeSend) {
		var p protocol.SendRequest
		req.NoError(env.Bind(&p))
		bodies = append(bodies, p.Body)
	}
	req.Equal([]string{"note 1", "note 2", "note 3", "note 4", "note 5", "note 6", "note 7", "note 8"}, bodies)
	req.Zero(h.pipeline.Queued())
	req.Zero(h.counter("classchat_sends_total", "outcome", telemetry.OutcomeFailed))
}

func TestFlush_PausedFlushRestartsOnNextConnection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	for i := 1; i <= 3; i++ {
		_, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: fmt.Sprintf("note %d", i)})
		req.NoError(err)
	}
	h.dialer.SetSendLimit(1)
	h.connect()
	req.Equal(2, h.pipeline.Queued())

	// when the connection drops while the flush is paused
	h.dialer.SetSendLimit(0)
	h.dialer.Last().Drop(errors.New("connection reset"))
	h.clock.Advance(100 * time.Millisecond)

	// then the new connection carries the rest
	req.Equal("connected", h.conn.State().String())
	req.Len(h.dialer.Last().Sent(), 2)
	req.Zero(h.pipeline.Queued())
}
