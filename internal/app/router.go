package app

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
	"github.com/dkeye/classchat/internal/telemetry"
)

type RouterConfig struct {
	// ReceiptRetention is how long a read receipt waits for its message.
	ReceiptRetention time.Duration
	// ReceiptBuffer caps the waiting receipts; the oldest is evicted first.
	ReceiptBuffer int
}

type bufferedReceipt struct {
	id    domain.MessageID
	at    time.Time
	local bool
}

// Router is the single ingress for server frames. Frames arrive from one
// read pump, so store mutations and the listener callbacks they queue keep
// the per-room order of the stream.
type Router struct {
	store    *Store
	registry *Registry
	pipeline *Pipeline
	conn     frameSender
	clock    core.Clock
	metrics  *telemetry.Metrics
	cfg      RouterConfig

	mu       sync.Mutex
	receipts []bufferedReceipt
}

const defaultReceiptBuffer = 256

func NewRouter(store *Store, registry *Registry, pipeline *Pipeline, conn frameSender, clock core.Clock, cfg RouterConfig, metrics *telemetry.Metrics) *Router {
	if cfg.ReceiptRetention <= 0 {
		cfg.ReceiptRetention = time.Minute
	}
	if cfg.ReceiptBuffer <= 0 {
		cfg.ReceiptBuffer = defaultReceiptBuffer
	}
	return &Router{
		store:    store,
		registry: registry,
		pipeline: pipeline,
		conn:     conn,
		clock:    clock,
		metrics:  metrics,
		cfg:      cfg,
	}
}

// HandleFrame decodes and applies one inbound frame. Bad or unknown frames
// are logged and counted, never fatal.
func (r *Router) HandleFrame(f core.Frame) {
	env, err := protocol.Decode(f)
	if err != nil {
		r.metrics.IncUnknown()
		log.Warn().Str("module", "app.router").Err(err).Int("bytes", len(f)).Msg("undecodable frame")
		return
	}

	switch env.Type {
	case protocol.TypeHistorySnapshot:
		err = r.onHistory(env)
	case protocol.TypeMessageCreated:
		err = r.onMessageCreated(env)
	case protocol.TypeRoomUpdated:
		err = r.onRoomUpdated(env)
	case protocol.TypeRoomRemoved:
		r.onRoomRemoved(env)
	case protocol.TypeReadReceipt:
		err = r.onReadReceipt(env)
	case protocol.TypeJoinAck:
		err = r.onJoinAck(env)
	case protocol.TypeLeaveAck:
		r.registry.leaveAcked(domain.RoomID(env.RoomID))
	case protocol.TypeCreateAck:
		err = r.onCreateAck(env)
	case protocol.TypeSendAck:
		err = r.onSendAck(env)
	case protocol.TypeError:
		err = r.onError(env)
	default:
		r.metrics.IncUnknown()
		log.Warn().Str("module", "app.router").Str("type", env.Type).Msg("unknown event")
		return
	}

	if err != nil {
		r.metrics.IncUnknown()
		log.Warn().Str("module", "app.router").Str("type", env.Type).Err(err).Msg("bad event")
		return
	}
	r.metrics.IncEvent(env.Type)
}

// MarkRead marks a message read locally and tells the server. A receipt for
// a message not seen yet is buffered and applied when it arrives.
func (r *Router) MarkRead(id domain.MessageID) error {
	if id == "" {
		return &domain.ValidationError{Fields: map[string]string{"message_id": "message_id is a required field"}}
	}
	r.mu.Lock()
	applied := r.store.markRead(id)
	if !applied {
		r.bufferLocked(id, true)
	}
	r.mu.Unlock()

	if applied {
		if m, ok := r.store.Message(id); ok {
			r.sendRead(m)
		}
	}
	return nil
}

// DropRoom forgets a room on explicit request: interest is released and
// its local state removed.
func (r *Router) DropRoom(id domain.RoomID) bool {
	r.registry.Leave(id)
	return r.store.removeRoom(id)
}

// Buffered reports how many receipts are waiting for their message.
func (r *Router) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(r.clock.Now())
	return len(r.receipts)
}

func (r *Router) onHistory(env protocol.Envelope) error {
	var p protocol.HistoryPayload
	if err := env.Bind(&p); err != nil {
		return err
	}
	room := domain.RoomID(env.RoomID)
	if room == "" && len(p.Messages) > 0 {
		room = domain.RoomID(p.Messages[0].RoomID)
	}
	if room == "" {
		return errors.New("history without room")
	}

	r.mu.Lock()
	msgs := make([]domain.Message, 0, len(p.Messages))
	var reads []domain.Message
	for _, mp := range p.Messages {
		m := mp.ToDomain()
		m.RoomID = room
		if found, local := r.takeLocked(m.ID); found {
			m.Read = true
			if local {
				reads = append(reads, m)
			}
		}
		msgs = append(msgs, m)
	}
	reconciled := r.store.replaceHistory(room, msgs)
	r.mu.Unlock()

	r.pipeline.settle(reconciled)
	for _, m := range reads {
		r.sendRead(m)
	}
	return nil
}

func (r *Router) onMessageCreated(env protocol.Envelope) error {
	var p protocol.MessageEnvelope
	if err := env.Bind(&p); err != nil {
		return err
	}
	m := p.Message.ToDomain()
	if m.RoomID == "" {
		m.RoomID = domain.RoomID(env.RoomID)
	}
	if m.ID == "" || m.RoomID == "" {
		return errors.New("message without id or room")
	}
	r.deliver(m)
	return nil
}

func (r *Router) onSendAck(env protocol.Envelope) error {
	var p protocol.MessageEnvelope
	if err := env.Bind(&p); err != nil {
		return err
	}
	m := p.Message.ToDomain()
	if m.ClientID == "" {
		m.ClientID = env.RequestID
	}
	if m.RoomID == "" {
		m.RoomID = domain.RoomID(env.RoomID)
	}
	if m.ID == "" || m.ClientID == "" {
		return errors.New("ack without message or client id")
	}
	r.deliver(m)
	return nil
}

// deliver stores a confirmed message, applying a buffered receipt first.
func (r *Router) deliver(m domain.Message) {
	r.mu.Lock()
	found, local := r.takeLocked(m.ID)
	if found {
		m.Read = true
	}
	if m.ClientID != "" {
		r.pipeline.acknowledge(m)
	} else {
		r.store.appendMessage(m)
	}
	if found {
		// the ack may have landed on an entry that already existed
		r.store.markRead(m.ID)
	}
	r.mu.Unlock()

	if local {
		r.sendRead(m)
	}
}

func (r *Router) onRoomUpdated(env protocol.Envelope) error {
	var p protocol.RoomEnvelope
	if err := env.Bind(&p); err != nil {
		return err
	}
	id := domain.RoomID(p.Room.ID)
	if id == "" {
		id = domain.RoomID(env.RoomID)
	}
	if id == "" {
		return errors.New("room update without id")
	}
	r.store.upsertRoom(id, p.Room.Apply)
	return nil
}

func (r *Router) onRoomRemoved(env protocol.Envelope) {
	id := domain.RoomID(env.RoomID)
	r.registry.forget(id)
	r.store.removeRoom(id)
	log.Info().Str("module", "app.router").Str("room", env.RoomID).Msg("room removed by server")
}

func (r *Router) onReadReceipt(env protocol.Envelope) error {
	var p protocol.ReadReceiptPayload
	if err := env.Bind(&p); err != nil {
		return err
	}
	id := domain.MessageID(p.MessageID)
	if id == "" {
		return errors.New("receipt without message id")
	}
	r.mu.Lock()
	if !r.store.markRead(id) {
		r.bufferLocked(id, false)
	}
	r.mu.Unlock()
	return nil
}

func (r *Router) onJoinAck(env protocol.Envelope) error {
	room := domain.RoomID(env.RoomID)
	if !r.registry.joinAcked(room) {
		return nil
	}
	var p protocol.JoinAckPayload
	if len(env.Payload) > 0 {
		if err := env.Bind(&p); err != nil {
			return err
		}
	}
	r.store.upsertRoom(room, func(rm *domain.Room) {
		if p.Room != nil {
			p.Room.Apply(rm)
		}
	})
	return nil
}

func (r *Router) onCreateAck(env protocol.Envelope) error {
	var p protocol.RoomEnvelope
	if err := env.Bind(&p); err != nil {
		return err
	}
	id := domain.RoomID(p.Room.ID)
	if id == "" {
		return errors.New("create ack without room")
	}
	r.registry.created(env.RequestID, id)
	r.store.upsertRoom(id, p.Room.Apply)
	return nil
}

func (r *Router) onError(env protocol.Envelope) error {
	var p protocol.ErrorPayload
	if err := env.Bind(&p); err != nil {
		return err
	}
	reason := p.Message
	if reason == "" {
		reason = p.Code
	}
	l := log.Warn().Str("module", "app.router").Str("request_id", env.RequestID).
		Str("code", p.Code).Str("reason", reason)

	switch {
	case r.pipeline.reject(env.RequestID, reason):
		l.Msg("send rejected")
	case r.rejectJoin(env.RequestID):
		l.Msg("join rejected")
	case r.registry.leaveFailed(env.RequestID):
		l.Msg("leave rejected")
	case r.registry.createFailed(env.RequestID):
		l.Msg("create rejected")
	default:
		l.Msg("server error")
	}
	return nil
}

// rejectJoin drops a failed join and any state the store holds for the room.
func (r *Router) rejectJoin(requestID string) bool {
	room, ok := r.registry.joinFailed(requestID)
	if ok {
		r.store.removeRoom(room)
	}
	return ok
}

func (r *Router) sendRead(m domain.Message) {
	f, err := protocol.Encode(protocol.TypeRead, "", string(m.RoomID), protocol.ReadRequest{MessageID: string(m.ID)})
	if err != nil {
		return
	}
	if err := r.conn.Send(f); err != nil {
		log.Debug().Str("module", "app.router").Str("message_id", string(m.ID)).Err(err).Msg("read receipt not sent")
	}
}

func (r *Router) bufferLocked(id domain.MessageID, local bool) {
	now := r.clock.Now()
	r.pruneLocked(now)
	for i := range r.receipts {
		if r.receipts[i].id == id {
			r.receipts[i].local = r.receipts[i].local || local
			return
		}
	}
	if len(r.receipts) >= r.cfg.ReceiptBuffer {
		log.Debug().Str("module", "app.router").Str("message_id", string(r.receipts[0].id)).Msg("receipt evicted")
		r.receipts = r.receipts[1:]
	}
	r.receipts = append(r.receipts, bufferedReceipt{id: id, at: now, local: local})
	r.metrics.SetReceiptsBuffered(len(r.receipts))
}

// takeLocked removes and reports a live buffered receipt for id.
func (r *Router) takeLocked(id domain.MessageID) (found, local bool) {
	r.pruneLocked(r.clock.Now())
	for i, rc := range r.receipts {
		if rc.id == id {
			r.receipts = append(r.receipts[:i], r.receipts[i+1:]...)
			r.metrics.SetReceiptsBuffered(len(r.receipts))
			return true, rc.local
		}
	}
	return false, false
}

func (r *Router) pruneLocked(now time.Time) {
	n := 0
	for n < len(r.receipts) && now.Sub(r.receipts[n].at) > r.cfg.ReceiptRetention {
		n++
	}
	if n > 0 {
		r.receipts = r.receipts[n:]
		r.metrics.SetReceiptsBuffered(len(r.receipts))
	}
}
