package app

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/dkeye/classchat/internal/domain"
)

type MessageChange int

const (
	MessageAdded MessageChange = iota
	MessageConfirmed
	MessageFailed
	MessageRead
	MessageRetried
)

func (c MessageChange) String() string {
	switch c {
	case MessageAdded:
		return "added"
	case MessageConfirmed:
		return "confirmed"
	case MessageFailed:
		return "failed"
	case MessageRead:
		return "read"
	case MessageRetried:
		return "retried"
	default:
		return "unknown"
	}
}

func (c MessageChange) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

type MessageEvent struct {
	Change  MessageChange  `json:"change"`
	Message domain.Message `json:"message"`
}

// HistoryEvent carries the full ordered history of a room after a snapshot.
type HistoryEvent struct {
	Room     domain.RoomID    `json:"room_id"`
	Messages []domain.Message `json:"messages"`
}

type RoomEvent struct {
	Room    domain.Room `json:"room"`
	Removed bool        `json:"removed,omitempty"`
}

type roomState struct {
	room domain.Room
	msgs []domain.Message
}

// Store is the in-memory read model of rooms and their messages.
//
// Reads are public. Writes are unexported and reserved to the router and
// the send pipeline. Within a room, confirmed messages are kept sorted by
// (Seq, CreatedAt, ID); pending and failed messages keep their insertion
// order after the confirmed ones known when they were added.
type Store struct {
	mu       sync.RWMutex
	self     domain.UserID
	rooms    map[domain.RoomID]*roomState
	index    map[domain.MessageID]domain.RoomID
	locals   map[string]domain.RoomID
	selected domain.RoomID

	onMessage listenerSet[MessageEvent]
	onHistory listenerSet[HistoryEvent]
	onRoom    listenerSet[RoomEvent]
	disp      *dispatcher
}

// NewStore creates an empty store; self is used to count unread messages.
func NewStore(self domain.UserID) *Store {
	return &Store{
		self:   self,
		rooms:  make(map[domain.RoomID]*roomState),
		index:  make(map[domain.MessageID]domain.RoomID),
		locals: make(map[string]domain.RoomID),
		disp:   newDispatcher(),
	}
}

func (s *Store) setSelf(id domain.UserID) {
	s.mu.Lock()
	s.self = id
	s.mu.Unlock()
}

// ---- listeners ----

func (s *Store) OnMessage(room domain.RoomID, fn func(MessageEvent)) func() {
	return s.onMessage.add(room, fn)
}

func (s *Store) OnRoomHistory(room domain.RoomID, fn func(HistoryEvent)) func() {
	return s.onHistory.add(room, fn)
}

func (s *Store) OnRoomUpdate(room domain.RoomID, fn func(RoomEvent)) func() {
	return s.onRoom.add(room, fn)
}

// Wait blocks until all queued listener callbacks have run.
func (s *Store) Wait() { s.disp.wait() }

func emit[T any](d *dispatcher, set *listenerSet[T], room domain.RoomID, ev T) {
	for _, l := range set.matching(room) {
		d.enqueue(room, func() { l.call(ev) })
	}
}

// ---- reads ----

// List returns every room, most recently active first.
func (s *Store) List() []domain.Room {
	s.mu.RLock()
	out := lo.MapToSlice(s.rooms, func(_ domain.RoomID, rs *roomState) domain.Room {
		return rs.room.Clone()
	})
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b domain.Room) int {
		if c := b.LastActivity.Compare(a.LastActivity); c != 0 {
			return c
		}
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return out
}

func (s *Store) Get(id domain.RoomID) (domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[id]
	if !ok {
		return domain.Room{}, false
	}
	return rs.room.Clone(), true
}

// Messages returns the ordered history of a room, nil when the room is unknown.
func (s *Store) Messages(id domain.RoomID) []domain.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[id]
	if !ok {
		return nil
	}
	return slices.Clone(rs.msgs)
}

// Search matches term case-insensitively against room id, name and participants.
func (s *Store) Search(term string) []domain.Room {
	term = strings.ToLower(strings.TrimSpace(term))
	rooms := s.List()
	if term == "" {
		return rooms
	}
	return lo.Filter(rooms, func(r domain.Room, _ int) bool { return roomMatches(r, term) })
}

func roomMatches(r domain.Room, term string) bool {
	has := func(s string) bool { return strings.Contains(strings.ToLower(s), term) }
	if has(string(r.ID)) || has(r.DisplayName()) {
		return true
	}
	return lo.ContainsBy(r.Participants, func(p domain.Participant) bool {
		return has(p.Name) || has(string(p.ID))
	})
}

func (s *Store) Filter(kind domain.RoomKind) []domain.Room {
	return lo.Filter(s.List(), func(r domain.Room, _ int) bool { return r.Kind == kind })
}

// Local returns a message that is not confirmed yet, by client id.
func (s *Store) Local(clientID string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.locals[clientID]
	if !ok {
		return domain.Message{}, false
	}
	rs := s.rooms[roomID]
	i := rs.indexOfClient(clientID)
	if i < 0 {
		return domain.Message{}, false
	}
	return rs.msgs[i], true
}

// Message looks up a confirmed message by server id.
func (s *Store) Message(id domain.MessageID) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roomID, ok := s.index[id]
	if !ok {
		return domain.Message{}, false
	}
	rs := s.rooms[roomID]
	i := rs.indexOfID(id)
	if i < 0 {
		return domain.Message{}, false
	}
	return rs.msgs[i], true
}

// LastSeq returns the highest confirmed sequence of a room.
func (s *Store) LastSeq(id domain.RoomID) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[id]
	if !ok {
		return 0
	}
	var seq int64
	for _, m := range rs.msgs {
		if m.Confirmed() && m.Seq > seq {
			seq = m.Seq
		}
	}
	return seq
}

// ---- selection ----

func (s *Store) Select(id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return domain.ErrUnknownRoom
	}
	s.selected = id
	return nil
}

func (s *Store) Selected() (domain.Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rooms[s.selected]
	if !ok {
		return domain.Room{}, false
	}
	return rs.room.Clone(), true
}

// Deselect clears the pointer; room data is untouched.
func (s *Store) Deselect() {
	s.mu.Lock()
	s.selected = ""
	s.mu.Unlock()
}

// ---- mutators ----

func (s *Store) ensureRoomLocked(id domain.RoomID) *roomState {
	rs, ok := s.rooms[id]
	if ok {
		return rs
	}
	rs = &roomState{room: domain.Room{ID: id, Kind: domain.RoomGroup}}
	s.rooms[id] = rs
	return rs
}

func (s *Store) emitRoomLocked(rs *roomState) {
	emit(s.disp, &s.onRoom, rs.room.ID, RoomEvent{Room: rs.room.Clone()})
}

func (s *Store) emitMessageLocked(change MessageChange, m domain.Message) {
	emit(s.disp, &s.onMessage, m.RoomID, MessageEvent{Change: change, Message: m})
}

// upsertRoom creates the room if needed and applies patch to it.
func (s *Store) upsertRoom(id domain.RoomID, patch func(*domain.Room)) domain.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.ensureRoomLocked(id)
	if patch != nil {
		patch(&rs.room)
	}
	rs.room.ID = id
	s.emitRoomLocked(rs)
	return rs.room.Clone()
}

func (s *Store) removeRoom(id domain.RoomID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rooms[id]
	if !ok {
		return false
	}
	for _, m := range rs.msgs {
		if m.Confirmed() {
			delete(s.index, m.ID)
		} else {
			delete(s.locals, m.ClientID)
		}
	}
	delete(s.rooms, id)
	if s.selected == id {
		s.selected = ""
	}
	emit(s.disp, &s.onRoom, id, RoomEvent{Room: rs.room.Clone(), Removed: true})
	return true
}

// appendMessage inserts m at its ordered position. A confirmed message that
// carries the client id of a local entry confirms that entry instead.
// Duplicates are ignored and reported as false.
func (s *Store) appendMessage(m domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Confirmed() {
		if m.ClientID != "" {
			if roomID, ok := s.locals[m.ClientID]; ok && roomID == m.RoomID {
				_, confirmed := s.confirmLocked(m.ClientID, m)
				return confirmed
			}
		}
		if _, dup := s.index[m.ID]; dup || m.ID == "" {
			return false
		}
	} else if _, dup := s.locals[m.ClientID]; dup || m.ClientID == "" {
		return false
	}

	rs := s.ensureRoomLocked(m.RoomID)
	if m.Confirmed() {
		rs.insertConfirmed(m)
		s.index[m.ID] = m.RoomID
		if !m.Read && m.SenderID != s.self {
			rs.room.Unread++
		}
	} else {
		rs.msgs = append(rs.msgs, m)
		s.locals[m.ClientID] = m.RoomID
	}
	s.emitMessageLocked(MessageAdded, m)
	rs.touch(m)
	s.emitRoomLocked(rs)
	return true
}

// confirmLocked swaps a local entry for its server identity in place.
func (s *Store) confirmLocked(clientID string, server domain.Message) (domain.Message, bool) {
	roomID, ok := s.locals[clientID]
	if !ok {
		return domain.Message{}, false
	}
	rs := s.rooms[roomID]
	i := rs.indexOfClient(clientID)
	if i < 0 {
		delete(s.locals, clientID)
		return domain.Message{}, false
	}
	delete(s.locals, clientID)

	// The server copy already arrived without a client id: keep that one.
	if other, dup := s.index[server.ID]; dup {
		rs.msgs = slices.Delete(rs.msgs, i, i+1)
		ors := s.rooms[other]
		j := ors.indexOfID(server.ID)
		if j < 0 {
			return domain.Message{}, false
		}
		ors.msgs[j].ClientID = clientID
		s.emitMessageLocked(MessageConfirmed, ors.msgs[j])
		return ors.msgs[j], true
	}

	e := rs.msgs[i]
	e.ID = server.ID
	e.Status = domain.StatusConfirmed
	e.Seq = server.Seq
	e.FailReason = ""
	if !server.CreatedAt.IsZero() {
		e.CreatedAt = server.CreatedAt
	}
	e.Read = e.Read || server.Read
	rs.msgs[i] = e
	if !rs.inOrder(i) {
		rs.msgs = slices.Delete(rs.msgs, i, i+1)
		rs.insertConfirmed(e)
	}
	s.index[e.ID] = roomID

	s.emitMessageLocked(MessageConfirmed, e)
	if rs.room.LastMessage.Key == clientID {
		rs.room.LastMessage = e.Ref()
	}
	rs.touch(e)
	s.emitRoomLocked(rs)
	return e, true
}

// failMessage marks a pending entry failed. Confirmed messages never fail.
func (s *Store) failMessage(clientID, reason string) (domain.Message, bool) {
	return s.setLocalStatus(clientID, domain.StatusPending, domain.StatusFailed, reason, MessageFailed)
}

// retryMessage moves a failed entry back to pending.
func (s *Store) retryMessage(clientID string) (domain.Message, bool) {
	return s.setLocalStatus(clientID, domain.StatusFailed, domain.StatusPending, "", MessageRetried)
}

func (s *Store) setLocalStatus(clientID string, from, to domain.Status, reason string, change MessageChange) (domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.locals[clientID]
	if !ok {
		return domain.Message{}, false
	}
	rs := s.rooms[roomID]
	i := rs.indexOfClient(clientID)
	if i < 0 || rs.msgs[i].Status != from {
		return domain.Message{}, false
	}
	rs.msgs[i].Status = to
	rs.msgs[i].FailReason = reason
	s.emitMessageLocked(change, rs.msgs[i])
	return rs.msgs[i], true
}

// markRead flags a confirmed message read. It reports false when the
// message is unknown so the caller can buffer the receipt.
func (s *Store) markRead(id domain.MessageID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomID, ok := s.index[id]
	if !ok {
		return false
	}
	rs := s.rooms[roomID]
	i := rs.indexOfID(id)
	if i < 0 {
		return false
	}
	if rs.msgs[i].Read {
		return true
	}
	rs.msgs[i].Read = true
	if rs.msgs[i].SenderID != s.self && rs.room.Unread > 0 {
		rs.room.Unread--
	}
	s.emitMessageLocked(MessageRead, rs.msgs[i])
	s.emitRoomLocked(rs)
	return true
}

// replaceHistory installs a server snapshot as the confirmed history of a
// room. Local entries survive unless the snapshot already contains them; the
// client ids of those reconciled entries are returned.
func (s *Store) replaceHistory(id domain.RoomID, snapshot []domain.Message) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.ensureRoomLocked(id)

	confirmed := make([]domain.Message, 0, len(snapshot))
	seen := make(map[domain.MessageID]struct{}, len(snapshot))
	clients := make(map[string]struct{})
	for _, m := range snapshot {
		if _, dup := seen[m.ID]; dup || m.ID == "" {
			continue
		}
		if other, ok := s.index[m.ID]; ok && other != id {
			continue
		}
		seen[m.ID] = struct{}{}
		m.RoomID = id
		m.Status = domain.StatusConfirmed
		confirmed = append(confirmed, m)
		if m.ClientID != "" {
			clients[m.ClientID] = struct{}{}
		}
	}
	slices.SortStableFunc(confirmed, compareMessages)

	var reconciled []string
	kept := make([]domain.Message, 0)
	for _, m := range rs.msgs {
		if m.Confirmed() {
			delete(s.index, m.ID)
			continue
		}
		if _, ok := clients[m.ClientID]; ok {
			delete(s.locals, m.ClientID)
			reconciled = append(reconciled, m.ClientID)
			continue
		}
		kept = append(kept, m)
	}

	rs.msgs = append(confirmed, kept...)
	rs.room.Unread = 0
	for _, m := range confirmed {
		s.index[m.ID] = id
		if !m.Read && m.SenderID != s.self {
			rs.room.Unread++
		}
	}
	if n := len(rs.msgs); n > 0 {
		rs.room.LastMessage = domain.MessageRef{}
		rs.touch(rs.msgs[n-1])
	}

	emit(s.disp, &s.onHistory, id, HistoryEvent{Room: id, Messages: slices.Clone(rs.msgs)})
	s.emitRoomLocked(rs)
	return reconciled
}

// ---- ordering ----

func compareMessages(a, b domain.Message) int {
	switch {
	case a.Before(b):
		return -1
	case b.Before(a):
		return 1
	default:
		return 0
	}
}

// insertConfirmed places m before the first confirmed message that sorts
// after it, or right after the last confirmed one.
func (rs *roomState) insertConfirmed(m domain.Message) {
	pos, last := -1, -1
	for i, e := range rs.msgs {
		if !e.Confirmed() {
			continue
		}
		if m.Before(e) {
			pos = i
			break
		}
		last = i
	}
	if pos < 0 {
		pos = last + 1
	}
	rs.msgs = slices.Insert(rs.msgs, pos, m)
}

// inOrder reports whether the confirmed entry at i agrees with its nearest
// confirmed neighbours.
func (rs *roomState) inOrder(i int) bool {
	m := rs.msgs[i]
	for j := i - 1; j >= 0; j-- {
		if rs.msgs[j].Confirmed() {
			if !rs.msgs[j].Before(m) {
				return false
			}
			break
		}
	}
	for k := i + 1; k < len(rs.msgs); k++ {
		if rs.msgs[k].Confirmed() {
			return m.Before(rs.msgs[k])
		}
	}
	return true
}

func (rs *roomState) indexOfClient(clientID string) int {
	return slices.IndexFunc(rs.msgs, func(m domain.Message) bool {
		return !m.Confirmed() && m.ClientID == clientID
	})
}

func (rs *roomState) indexOfID(id domain.MessageID) int {
	return slices.IndexFunc(rs.msgs, func(m domain.Message) bool {
		return m.Confirmed() && m.ID == id
	})
}

// touch refreshes the preview and activity time when m is the newest message.
func (rs *roomState) touch(m domain.Message) {
	if rs.room.LastMessage.IsZero() || !m.CreatedAt.Before(rs.room.LastMessage.At) {
		rs.room.LastMessage = m.Ref()
	}
	if m.CreatedAt.After(rs.room.LastActivity) {
		rs.room.LastActivity = m.CreatedAt
	}
}
