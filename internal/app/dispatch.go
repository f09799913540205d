package app

import (
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/panics"

	"github.com/dkeye/classchat/internal/domain"
)

// dispatcher runs callbacks on one serial queue per room. A room's queue
// owns a goroutine only while it has work, so rooms never block each other
// and events of one room are delivered in the order they were queued.
type dispatcher struct {
	mu     sync.Mutex
	queues map[domain.RoomID]*roomQueue
	wg     sync.WaitGroup
}

type roomQueue struct {
	tasks []func()
}

func newDispatcher() *dispatcher {
	return &dispatcher{queues: make(map[domain.RoomID]*roomQueue)}
}

func (d *dispatcher) enqueue(room domain.RoomID, task func()) {
	d.mu.Lock()
	q, running := d.queues[room]
	if !running {
		q = &roomQueue{}
		d.queues[room] = q
	}
	q.tasks = append(q.tasks, task)
	if running {
		d.mu.Unlock()
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.drain(room, q)
}

func (d *dispatcher) drain(room domain.RoomID, q *roomQueue) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(q.tasks) == 0 {
			delete(d.queues, room)
			d.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		d.mu.Unlock()

		d.run(room, task)
	}
}

func (d *dispatcher) run(room domain.RoomID, task func()) {
	var pc panics.Catcher
	pc.Try(task)
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", "app.store").Str("room", string(room)).
			Err(r.AsError()).Msg("listener panicked")
	}
}

// wait blocks until every queued callback has run.
func (d *dispatcher) wait() {
	d.wg.Wait()
}

// runSafe invokes fn and logs instead of propagating a panic.
func runSafe(module string, fn func()) {
	var pc panics.Catcher
	pc.Try(fn)
	if r := pc.Recovered(); r != nil {
		log.Error().Str("module", module).Err(r.AsError()).Msg("callback panicked")
	}
}
