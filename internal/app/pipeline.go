package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
	"github.com/dkeye/classchat/internal/telemetry"
)

// Failure reasons recorded on failed messages.
var (
	ReasonBackpressure = domain.ErrBackpressure.Error()
	ReasonAckTimeout   = domain.ErrAckTimeout.Error()
)

const defaultResumeDelay = 200 * time.Millisecond

type PipelineConfig struct {
	AckTimeout     time.Duration
	OutboxCapacity int
	Policy         Policy
	// ResumeDelay is the pause after the socket buffer refused a queued frame.
	ResumeDelay time.Duration
}

type sendResult int

const (
	sendDone sendResult = iota
	// the socket buffer is full
	sendBusy
	// the connection is gone
	sendLost
)

type ackTimer struct {
	timer core.Timer
}

// Pipeline turns send intents into acknowledged messages. Every accepted
// message is visible in the store at once as pending; it then either gets
// confirmed in place or marked failed, never dropped silently.
type Pipeline struct {
	store   *Store
	conn    frameSender
	clock   core.Clock
	metrics *telemetry.Metrics
	newID   func() string
	timeout time.Duration
	resume  time.Duration

	mu       sync.Mutex
	self     domain.User
	outbox   *outbox
	inflight map[string]*ackTimer
	// ready is false until the outbox was flushed on the current connection.
	ready bool
	epoch uint64
	timer core.Timer
}

func NewPipeline(store *Store, conn frameSender, clock core.Clock, newID func() string, self domain.User, cfg PipelineConfig, metrics *telemetry.Metrics) *Pipeline {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	if cfg.ResumeDelay <= 0 {
		cfg.ResumeDelay = defaultResumeDelay
	}
	return &Pipeline{
		store:    store,
		conn:     conn,
		clock:    clock,
		metrics:  metrics,
		newID:    newID,
		timeout:  cfg.AckTimeout,
		resume:   cfg.ResumeDelay,
		self:     self,
		outbox:   newOutbox(cfg.OutboxCapacity, cfg.Policy),
		inflight: make(map[string]*ackTimer),
	}
}

// SetSelf changes the identity stamped on new messages.
func (p *Pipeline) SetSelf(u domain.User) {
	p.mu.Lock()
	p.self = u
	p.store.setSelf(u.ID)
	p.mu.Unlock()
}

// Queued is the number of messages waiting for a connection.
func (p *Pipeline) Queued() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outbox.len()
}

// Send validates req, stores it as pending and transmits or queues it.
// Invalid requests and a full outbox are rejected without touching the store.
func (p *Pipeline) Send(req SendRequest) (domain.Message, error) {
	if err := validateStruct(req); err != nil {
		p.metrics.IncSend(telemetry.OutcomeRejected)
		return domain.Message{}, err
	}
	kind := req.Kind
	if kind == "" {
		kind = domain.MessageText
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	m := domain.Message{
		ClientID:   p.newID(),
		Status:     domain.StatusPending,
		RoomID:     req.RoomID,
		SenderID:   p.self.ID,
		SenderName: p.self.DisplayName,
		Body:       req.Content,
		Kind:       kind,
		Duration:   req.Duration,
		CreatedAt:  p.clock.Now(),
	}

	if !p.ready {
		if err := p.enqueueLocked(m, true); err != nil {
			return domain.Message{}, err
		}
		return m, nil
	}

	p.store.appendMessage(m)
	p.deliverLocked(m)
	if cur, ok := p.store.Local(m.ClientID); ok {
		return cur, nil
	}
	return m, nil
}

// Retry resubmits a failed message under the same client id.
func (p *Pipeline) Retry(clientID string) (domain.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.store.Local(clientID)
	if !ok {
		return domain.Message{}, fmt.Errorf("%w: %s", domain.ErrUnknownMessage, clientID)
	}
	if m.Status != domain.StatusFailed {
		return m, &domain.ValidationError{Fields: map[string]string{"client_id": "message is " + m.Status.String()}}
	}

	if !p.ready {
		if err := p.enqueueLocked(m, false); err != nil {
			return m, err
		}
		m, _ = p.store.retryMessage(clientID)
		return m, nil
	}

	m, _ = p.store.retryMessage(clientID)
	p.deliverLocked(m)
	if cur, ok := p.store.Local(clientID); ok {
		return cur, nil
	}
	return m, nil
}

// Flush drains the outbox in order. It runs once the rooms were joined
// again on a new connection; until it completes, new sends are queued
// behind it. A full socket buffer pauses the flush instead of failing
// the queued messages.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTimerLocked()
	p.flushLocked()
}

func (p *Pipeline) flushLocked() {
	sent := 0
	defer func() {
		if sent > 0 {
			log.Info().Str("module", "app.pipeline").Int("sent", sent).Int("left", p.outbox.len()).Msg("outbox flushed")
		}
	}()
	for {
		m, ok := p.outbox.pop()
		if !ok {
			break
		}
		cur, ok := p.store.Local(m.ClientID)
		if !ok || cur.Status != domain.StatusPending {
			continue
		}
		switch p.transmitLocked(cur) {
		case sendBusy:
			p.outbox.pushFront(cur)
			p.metrics.SetOutboxDepth(p.outbox.len())
			epoch := p.epoch
			p.timer = p.clock.AfterFunc(p.resume, func() { p.resumeFlush(epoch) })
			log.Debug().Str("module", "app.pipeline").Int("left", p.outbox.len()).Msg("flush paused, socket buffer full")
			return
		case sendLost:
			p.outbox.pushFront(cur)
			p.metrics.SetOutboxDepth(p.outbox.len())
			log.Warn().Str("module", "app.pipeline").Int("left", p.outbox.len()).Msg("flush interrupted")
			return
		}
		sent++
	}
	p.ready = true
	p.metrics.SetOutboxDepth(0)
}

func (p *Pipeline) resumeFlush(epoch uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if epoch != p.epoch || p.ready {
		return
	}
	p.timer = nil
	p.flushLocked()
}

func (p *Pipeline) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// OnStateChange routes new sends to the outbox while the connection is not live.
func (p *Pipeline) OnStateChange(ch StateChange) {
	if ch.To == core.StateConnected {
		return
	}
	p.mu.Lock()
	p.ready = false
	p.epoch++
	p.stopTimerLocked()
	p.mu.Unlock()
}

// acknowledge reconciles a server copy of one of our messages.
func (p *Pipeline) acknowledge(m domain.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.settleLocked(m.ClientID)
	local, ours := p.store.Local(m.ClientID)
	if m.RoomID == "" && ours {
		m.RoomID = local.RoomID
	}
	if m.RoomID == "" || m.ID == "" {
		return false
	}
	ok := p.store.appendMessage(m)
	if ok && ours {
		p.metrics.IncSend(telemetry.OutcomeConfirmed)
	}
	return ok
}

// reject fails the message behind requestID with the server's reason.
func (p *Pipeline) reject(requestID, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.store.Local(requestID); !ok {
		return false
	}
	p.settleLocked(requestID)
	p.failLocked(requestID, reason)
	return true
}

// settle stops ack timers of messages confirmed through a history snapshot.
func (p *Pipeline) settle(clientIDs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range clientIDs {
		p.settleLocked(id)
	}
}

func (p *Pipeline) settleLocked(clientID string) {
	if t, ok := p.inflight[clientID]; ok {
		t.timer.Stop()
		delete(p.inflight, clientID)
	}
}

// enqueueLocked queues m. fresh messages are added to the store only once
// accepted; requeued ones are failed if the outbox refuses them.
func (p *Pipeline) enqueueLocked(m domain.Message, fresh bool) error {
	dropped, err := p.outbox.push(m)
	if err != nil {
		p.metrics.IncSend(telemetry.OutcomeRejected)
		if !fresh {
			p.failLocked(m.ClientID, ReasonBackpressure)
		}
		return err
	}
	if fresh {
		p.store.appendMessage(m)
	}
	if dropped != nil {
		p.failLocked(dropped.ClientID, ReasonBackpressure)
	}
	p.metrics.IncSend(telemetry.OutcomeQueued)
	p.metrics.SetOutboxDepth(p.outbox.len())
	return nil
}

// deliverLocked transmits m on the live connection. A full socket buffer
// fails it; a lost connection puts it back in the outbox.
func (p *Pipeline) deliverLocked(m domain.Message) {
	switch p.transmitLocked(m) {
	case sendBusy:
		p.failLocked(m.ClientID, ReasonBackpressure)
	case sendLost:
		_ = p.enqueueLocked(m, false)
	}
}

// transmitLocked writes m on the connection. Encoding failures fail m and
// count as done.
func (p *Pipeline) transmitLocked(m domain.Message) sendResult {
	f, err := protocol.Encode(protocol.TypeSend, m.ClientID, string(m.RoomID), protocol.NewSendRequest(m))
	if err != nil {
		p.failLocked(m.ClientID, err.Error())
		return sendDone
	}
	err = p.conn.Send(f)
	switch {
	case err == nil:
		p.armLocked(m.ClientID)
		p.metrics.IncSend(telemetry.OutcomeSent)
		return sendDone
	case errors.Is(err, domain.ErrBackpressure):
		return sendBusy
	default:
		p.ready = false
		return sendLost
	}
}

func (p *Pipeline) armLocked(clientID string) {
	p.settleLocked(clientID)
	t := &ackTimer{}
	t.timer = p.clock.AfterFunc(p.timeout, func() { p.ackExpired(clientID, t) })
	p.inflight[clientID] = t
}

func (p *Pipeline) ackExpired(clientID string, t *ackTimer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[clientID] != t {
		return
	}
	delete(p.inflight, clientID)
	p.failLocked(clientID, ReasonAckTimeout)
}

func (p *Pipeline) failLocked(clientID, reason string) {
	if m, ok := p.store.failMessage(clientID, reason); ok {
		p.metrics.IncSend(telemetry.OutcomeFailed)
		log.Warn().Str("module", "app.pipeline").Str("client_id", clientID).
			Str("room", string(m.RoomID)).Str("reason", reason).Msg("message failed")
	}
}
