package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
)

func TestRouter_UnknownAndBadFramesAreCounted(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	c := h.dialer.Last()

	// when
	c.Deliver(core.Frame(`{"type":"typing","room_id":"r1"}`))
	c.Deliver(core.Frame(`{"type":`))
	c.Deliver(core.Frame(`{"room_id":"r1"}`))
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "hi")})

	// then the connection survives and good frames still apply
	req.Equal(3.0, h.counter("classchat_inbound_unknown_total"))
	req.Equal(1.0, h.counter("classchat_inbound_events_total", "kind", protocol.TypeMessageCreated))
	req.Equal("connected", h.conn.State().String())
	req.Len(h.store.Messages("r1"), 1)
}

func TestRouter_MalformedPayloadIsCountedAsUnknown(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	h.dialer.Last().Deliver(core.Frame(`{"type":"message-created","payload":{"message":"oops"}}`))

	req.Equal(1.0, h.counter("classchat_inbound_unknown_total"))
	req.Empty(h.store.List())
}

func TestRouter_OutOfOrderMessagesAreSorted(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m2", "r1", 2, t0.Add(time.Second), "second")})
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "first")})
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m2", "r1", 2, t0.Add(time.Second), "second")})

	req.Equal([]string{"m1", "m2"}, keys(h.store.Messages("r1")))
	room, _ := h.store.Get("r1")
	req.Equal(2, room.Unread)
	req.Equal("second", room.LastMessage.Body)
}

func TestRouter_HistorySnapshotReconcilesPending(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	first, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Homework is on page 12"})
	req.NoError(err)
	second, err := h.pipeline.Send(SendRequest{RoomID: "r1", Content: "Bring calculators"})
	req.NoError(err)

	ours := serverMessage("m2", "r1", 2, t0, "Homework is on page 12")
	ours.ClientMessageID = first.ClientID
	ours.Sender = protocol.ActorPayload{ID: "teacher-1", Name: "Ms. Achieng"}

	// when
	h.deliver(protocol.TypeHistorySnapshot, "", "r1", protocol.HistoryPayload{Messages: []protocol.MessagePayload{
		ours,
		serverMessage("m1", "r1", 1, t0.Add(-time.Hour), "Good morning"),
	}})

	// then
	msgs := h.store.Messages("r1")
	req.Equal([]string{"m1", "m2", second.ClientID}, keys(msgs))
	req.Equal(domain.StatusPending, msgs[2].Status)

	// the reconciled message no longer times out, the other one does
	h.clock.Advance(5 * time.Second)
	m, ok := h.store.Message("m2")
	req.True(ok)
	req.Equal(domain.StatusConfirmed, m.Status)
	failed, ok := h.store.Local(second.ClientID)
	req.True(ok)
	req.Equal(domain.StatusFailed, failed.Status)
}

func TestMarkRead_BeforeMessageArrives(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	var events recorder[MessageEvent]
	h.store.OnMessage("r1", events.add)

	// given a read mark for a message not seen yet
	req.NoError(h.router.MarkRead("m5"))
	req.Equal(1, h.router.Buffered())
	req.Empty(h.sent(protocol.TypeRead))

	// when the message arrives
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m5", "r1", 5, t0, "Quiz tomorrow")})
	h.store.Wait()

	// then it is stored read, announced once, and the receipt goes out
	m, ok := h.store.Message("m5")
	req.True(ok)
	req.True(m.Read)
	got := events.all()
	req.Len(got, 1)
	req.Equal(MessageAdded, got[0].Change)
	req.True(got[0].Message.Read)
	req.Equal(0, h.router.Buffered())

	reads := h.sent(protocol.TypeRead)
	req.Len(reads, 1)
	var p protocol.ReadRequest
	req.NoError(reads[0].Bind(&p))
	req.Equal("m5", p.MessageID)

	room, _ := h.store.Get("r1")
	req.Equal(0, room.Unread)
}

func TestRouter_MarkReadKnownMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "hi")})

	req.ErrorIs(h.router.MarkRead(""), domain.ErrValidation)
	req.NoError(h.router.MarkRead("m1"))

	req.Len(h.sent(protocol.TypeRead), 1)
	room, _ := h.store.Get("r1")
	req.Equal(0, room.Unread)
}

func TestRouter_ServerReceiptBeforeMessage(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	h.deliver(protocol.TypeReadReceipt, "", "r1", protocol.ReadReceiptPayload{MessageID: "m1", ReaderID: "student-9"})
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "hi")})

	m, _ := h.store.Message("m1")
	req.True(m.Read)
	req.Empty(h.sent(protocol.TypeRead), "server receipts are not echoed")
}

func TestRouter_BufferedReceiptExpires(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()

	h.deliver(protocol.TypeReadReceipt, "", "r1", protocol.ReadReceiptPayload{MessageID: "m1"})
	req.Equal(1, h.router.Buffered())

	h.clock.Advance(31 * time.Second)
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "hi")})

	m, _ := h.store.Message("m1")
	req.False(m.Read)
	req.Equal(0, h.router.Buffered())
}

func TestRouter_ReceiptBufferEvictsOldest(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, func(o *harnessOpts) { o.receipts = 2 })
	h.connect()

	for _, id := range []string{"m1", "m2", "m3"} {
		h.deliver(protocol.TypeReadReceipt, "", "r1", protocol.ReadReceiptPayload{MessageID: id})
	}
	req.Equal(2, h.router.Buffered())
	req.Equal(2.0, h.counter("classchat_read_receipts_buffered"))

	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "a")})
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m3", "r1", 3, t0, "c")})

	m1, _ := h.store.Message("m1")
	m3, _ := h.store.Message("m3")
	req.False(m1.Read)
	req.True(m3.Read)
}

func TestRouter_RoomUpdatedAndRemoved(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	var events recorder[RoomEvent]
	h.store.OnRoomUpdate("r1", events.add)

	name := "Form 2 English"
	at := t0.Add(time.Hour)
	h.deliver(protocol.TypeRoomUpdated, "", "r1", protocol.RoomEnvelope{Room: protocol.RoomPayload{ID: "r1", Name: &name, LastActivity: &at}})
	req.NoError(h.registry.Join("r1"))
	h.ackJoins()
	req.NoError(h.store.Select("r1"))

	room, ok := h.store.Get("r1")
	req.True(ok)
	req.Equal("Form 2 English", room.Name)
	req.Equal(at, room.LastActivity)

	// when
	h.deliver(protocol.TypeRoomRemoved, "", "r1", nil)
	h.store.Wait()

	// then
	_, ok = h.store.Get("r1")
	req.False(ok)
	_, ok = h.store.Selected()
	req.False(ok)
	req.Empty(h.registry.Subscriptions())
	got := events.all()
	req.True(got[len(got)-1].Removed)
}

func TestRouter_DropRoom(t *testing.T) {
	req := require.New(t)
	h := newHarness(t)
	h.connect()
	req.NoError(h.registry.Join("r1"))
	h.ackJoins()
	h.deliver(protocol.TypeMessageCreated, "", "r1", protocol.MessageEnvelope{Message: serverMessage("m1", "r1", 1, t0, "a")})

	req.True(h.router.DropRoom("r1"))

	req.Len(h.sent(protocol.TypeLeave), 1)
	req.Nil(h.store.Messages("r1"))
	_, ok := h.store.Message("m1")
	req.False(ok)
	req.False(h.router.DropRoom("r1"))
}
