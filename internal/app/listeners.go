package app

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/dkeye/classchat/internal/domain"
)

// AllRooms subscribes a listener to every room.
const AllRooms domain.RoomID = ""

type listener[T any] struct {
	id   uint64
	room domain.RoomID
	fn   func(T)
	dead atomic.Bool
}

// listenerSet is a registry of typed callbacks keyed by room.
type listenerSet[T any] struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*listener[T]
}

// add registers fn for room (AllRooms for every room) and returns its unsubscribe handle.
func (s *listenerSet[T]) add(room domain.RoomID, fn func(T)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[uint64]*listener[T])
	}
	s.next++
	l := &listener[T]{id: s.next, room: room, fn: fn}
	s.subs[l.id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			l.dead.Store(true)
			s.mu.Lock()
			delete(s.subs, l.id)
			s.mu.Unlock()
		})
	}
}

// matching returns the live listeners for room in registration order.
func (s *listenerSet[T]) matching(room domain.RoomID) []*listener[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*listener[T], 0, len(s.subs))
	for _, l := range s.subs {
		if l.room == AllRooms || l.room == room {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *listenerSet[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// call invokes fn unless the listener was removed after the event was queued.
func (l *listener[T]) call(v T) {
	if l.dead.Load() {
		return
	}
	l.fn(v)
}
