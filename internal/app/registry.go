package app

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/classchat/internal/core"
	"github.com/dkeye/classchat/internal/domain"
	"github.com/dkeye/classchat/internal/protocol"
)

type subState int

const (
	subDeferred subState = iota
	subJoining
	subActive
	subLeaving
)

func (s subState) String() string {
	switch s {
	case subDeferred:
		return "deferred"
	case subJoining:
		return "joining"
	case subActive:
		return "active"
	case subLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

type subscription struct {
	state     subState
	requestID string
	// queued follow-ups, applied once the in-flight request resolves
	wantLeave bool
	rejoin    bool
}

type frameSender interface {
	Send(f core.Frame) error
}

type seqSource interface {
	LastSeq(id domain.RoomID) int64
}

// Registry turns room interest into at most one outstanding join per room.
// Requests for one room are serialized: a leave issued while a join is in
// flight waits for the join to resolve, and the other way round.
type Registry struct {
	conn   frameSender
	seqs   seqSource
	clock  core.Clock
	newID  func() string
	limit  int
	resume time.Duration

	mu      sync.Mutex
	subs    map[domain.RoomID]*subscription
	creates map[string]struct{}
	// ready is false while there is no live connection.
	ready bool
	// pending joins, sent in order as the socket accepts them
	queue     []domain.RoomID
	replaying bool
	replayed  int
	gen       uint64
	timer     core.Timer
	hooks     []func()
}

// NewRegistry creates a registry; limit bounds the joins deferred while offline.
// Joins refused by a full socket buffer are retried after resume.
func NewRegistry(conn frameSender, seqs seqSource, clock core.Clock, newID func() string, limit int, resume time.Duration) *Registry {
	if resume <= 0 {
		resume = defaultResumeDelay
	}
	return &Registry{
		conn:    conn,
		seqs:    seqs,
		clock:   clock,
		newID:   newID,
		limit:   limit,
		resume:  resume,
		subs:    make(map[domain.RoomID]*subscription),
		creates: make(map[string]struct{}),
	}
}

// OnReplayed registers a hook run each time every remembered room has been
// asked for again on a new connection.
func (r *Registry) OnReplayed(fn func()) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// Join records interest in a room. It is a no-op when an intent already exists.
func (r *Registry) Join(room domain.RoomID) error {
	if room == "" {
		return &domain.ValidationError{Fields: map[string]string{"room_id": "room_id is a required field"}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.subs[room]; ok {
		switch {
		case sub.state == subLeaving:
			sub.rejoin = true
		case sub.wantLeave:
			sub.wantLeave = false
		}
		return nil
	}

	if !r.ready {
		if r.countLocked(subDeferred) >= r.limit {
			return fmt.Errorf("%w: %d joins already waiting", domain.ErrBackpressure, r.limit)
		}
		r.subs[room] = &subscription{state: subDeferred}
		log.Info().Str("module", "app.registry").Str("room", string(room)).Msg("join deferred until connected")
		return nil
	}

	sub := &subscription{state: subDeferred}
	r.subs[room] = sub
	if err := r.sendJoinLocked(room, sub); errors.Is(err, domain.ErrBackpressure) {
		delete(r.subs, room)
		return err
	}
	return nil
}

// Leave releases interest. Unknown rooms are ignored.
func (r *Registry) Leave(room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.subs[room]
	if !ok {
		return
	}
	switch sub.state {
	case subDeferred:
		delete(r.subs, room)
	case subJoining:
		if !r.ready {
			delete(r.subs, room)
			return
		}
		sub.wantLeave = true
	case subActive:
		if !r.ready {
			delete(r.subs, room)
			return
		}
		r.sendLeaveLocked(room, sub)
	case subLeaving:
		sub.rejoin = false
	}
}

// Replay emits one join per remembered room. It runs on every connect.
// When the socket buffer fills up the rest is sent after a pause; the
// OnReplayed hooks run once the last join went out.
func (r *Registry) Replay() {
	r.mu.Lock()
	r.ready = true
	r.gen++
	r.stopTimerLocked()

	rooms := make([]domain.RoomID, 0, len(r.subs))
	for room := range r.subs {
		rooms = append(rooms, room)
	}
	slices.Sort(rooms)

	r.queue = r.queue[:0]
	for _, room := range rooms {
		sub := r.subs[room]
		if sub.state == subLeaving || sub.wantLeave {
			delete(r.subs, room)
			continue
		}
		sub.rejoin = false
		sub.state = subDeferred
		sub.requestID = ""
		r.queue = append(r.queue, room)
	}
	r.replaying = true
	r.replayed = 0
	done := r.drainLocked()
	r.mu.Unlock()

	if done {
		r.runHooks()
	}
}

// OnStateChange marks the registry offline whenever the connection is not live.
func (r *Registry) OnStateChange(ch StateChange) {
	if ch.To == core.StateConnected {
		return
	}
	r.mu.Lock()
	r.ready = false
	r.gen++
	r.stopTimerLocked()
	r.queue = nil
	r.replaying = false
	r.mu.Unlock()
}

// drainLocked sends queued joins until the socket pushes back. It reports
// whether this call completed the replay of the current connection.
func (r *Registry) drainLocked() bool {
	for len(r.queue) > 0 {
		room := r.queue[0]
		sub, ok := r.subs[room]
		if !ok || sub.state != subDeferred {
			r.queue = r.queue[1:]
			continue
		}
		err := r.sendJoinLocked(room, sub)
		switch {
		case err == nil:
			r.queue = r.queue[1:]
			r.replayed++
		case errors.Is(err, domain.ErrBackpressure):
			gen := r.gen
			r.timer = r.clock.AfterFunc(r.resume, func() { r.resumeDrain(gen) })
			log.Debug().Str("module", "app.registry").Int("left", len(r.queue)).Msg("joins paused, socket buffer full")
			return false
		case errors.Is(err, domain.ErrNotConnected):
			// the next connection replays everything again
			r.queue = nil
			r.replaying = false
			return false
		default:
			r.queue = r.queue[1:]
		}
	}
	if !r.replaying {
		return false
	}
	r.replaying = false
	log.Info().Str("module", "app.registry").Int("rooms", r.replayed).Msg("replayed joins")
	return true
}

func (r *Registry) resumeDrain(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || !r.ready {
		r.mu.Unlock()
		return
	}
	r.timer = nil
	done := r.drainLocked()
	r.mu.Unlock()

	if done {
		r.runHooks()
	}
}

// enqueueLocked schedules a join for a deferred room on the live connection.
func (r *Registry) enqueueLocked(room domain.RoomID) {
	r.queue = append(r.queue, room)
	if r.timer == nil {
		r.drainLocked()
	}
}

func (r *Registry) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Registry) runHooks() {
	r.mu.Lock()
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()
	for _, h := range hooks {
		runSafe("app.registry", h)
	}
}

func (r *Registry) sendJoinLocked(room domain.RoomID, sub *subscription) error {
	sub.requestID = r.newID()
	f, err := protocol.Encode(protocol.TypeJoin, sub.requestID, string(room),
		protocol.JoinRequest{LastSequenceID: r.seqs.LastSeq(room)})
	if err == nil {
		err = r.conn.Send(f)
	}
	if err != nil {
		sub.state = subDeferred
		sub.requestID = ""
		if errors.Is(err, domain.ErrNotConnected) {
			r.ready = false
		}
		log.Warn().Str("module", "app.registry").Str("room", string(room)).Err(err).Msg("join not sent")
		return err
	}
	sub.state = subJoining
	return nil
}

func (r *Registry) sendLeaveLocked(room domain.RoomID, sub *subscription) {
	sub.requestID = r.newID()
	f, err := protocol.Encode(protocol.TypeLeave, sub.requestID, string(room), nil)
	if err == nil {
		err = r.conn.Send(f)
	}
	if err != nil {
		// The server drops subscriptions with the connection.
		delete(r.subs, room)
		log.Warn().Str("module", "app.registry").Str("room", string(room)).Err(err).Msg("leave not sent")
		return
	}
	sub.state = subLeaving
	sub.wantLeave = false
}

func (r *Registry) countLocked(st subState) int {
	n := 0
	for _, sub := range r.subs {
		if sub.state == st {
			n++
		}
	}
	return n
}

// joinAcked promotes a joining room to active and applies a queued leave.
func (r *Registry) joinAcked(room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[room]
	if !ok || sub.state != subJoining {
		log.Debug().Str("module", "app.registry").Str("room", string(room)).Msg("stale join ack")
		return false
	}
	sub.state = subActive
	sub.requestID = ""
	if sub.wantLeave {
		r.sendLeaveLocked(room, sub)
	}
	return true
}

func (r *Registry) leaveAcked(room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[room]
	if !ok || sub.state != subLeaving {
		return
	}
	if !sub.rejoin {
		delete(r.subs, room)
		return
	}
	sub.rejoin = false
	sub.state = subDeferred
	if r.ready {
		r.enqueueLocked(room)
	}
}

// joinFailed drops the intent behind a rejected join request.
func (r *Registry) joinFailed(requestID string) (domain.RoomID, bool) {
	if requestID == "" {
		return "", false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, sub := range r.subs {
		if sub.requestID == requestID && sub.state == subJoining {
			delete(r.subs, room)
			return room, true
		}
	}
	return "", false
}

// leaveFailed treats a rejected leave as done; the server no longer routes the room to us.
func (r *Registry) leaveFailed(requestID string) bool {
	if requestID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, sub := range r.subs {
		if sub.requestID == requestID && sub.state == subLeaving {
			delete(r.subs, room)
			return true
		}
	}
	return false
}

// forget drops a room the server no longer shows us.
func (r *Registry) forget(room domain.RoomID) {
	r.mu.Lock()
	delete(r.subs, room)
	r.mu.Unlock()
}

// CreateRoom asks the server for a new room and returns the request id.
// The creator is joined on the server's acknowledgment.
func (r *Registry) CreateRoom(req CreateRoomRequest) (string, error) {
	if err := validateStruct(req); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return "", domain.ErrNotConnected
	}

	parts := make([]string, 0, len(req.Participants))
	for _, p := range req.Participants {
		parts = append(parts, string(p))
	}
	id := r.newID()
	f, err := protocol.Encode(protocol.TypeCreate, id, "", protocol.CreateRequest{
		Kind:         string(req.Kind),
		Name:         req.Name,
		Participants: parts,
	})
	if err != nil {
		return "", err
	}
	if err := r.conn.Send(f); err != nil {
		return "", err
	}
	r.creates[id] = struct{}{}
	return id, nil
}

func (r *Registry) created(requestID string, room domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.creates, requestID)
	r.subs[room] = &subscription{state: subActive}
}

func (r *Registry) createFailed(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.creates[requestID]; !ok {
		return false
	}
	delete(r.creates, requestID)
	return true
}

// Active reports whether the server confirmed our subscription to room.
func (r *Registry) Active(room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[room]
	return ok && sub.state == subActive
}

// Subscriptions returns the remembered rooms and their state name.
func (r *Registry) Subscriptions() map[domain.RoomID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[domain.RoomID]string, len(r.subs))
	for room, sub := range r.subs {
		out[room] = sub.state.String()
	}
	return out
}
