package app

import (
	"fmt"

	"github.com/dkeye/classchat/internal/domain"
)

// outbox holds messages composed while offline, oldest first.
// Not safe for concurrent use; guarded by the pipeline lock.
type outbox struct {
	items    []domain.Message
	capacity int
	policy   Policy
}

func newOutbox(capacity int, policy Policy) *outbox {
	if policy == nil {
		policy = RejectNewestPolicy{}
	}
	return &outbox{capacity: capacity, policy: policy}
}

// push queues m. At capacity the policy decides: the newest is rejected with
// ErrBackpressure, or the oldest entry is evicted and returned.
func (o *outbox) push(m domain.Message) (*domain.Message, error) {
	if len(o.items) < o.capacity {
		o.items = append(o.items, m)
		return nil, nil
	}
	if o.capacity <= 0 || o.policy.OnOverflow(len(o.items), o.capacity) == RejectNewest {
		return nil, fmt.Errorf("%w: outbox full (%d)", domain.ErrBackpressure, o.capacity)
	}
	oldest := o.items[0]
	o.items = append(o.items[1:], m)
	return &oldest, nil
}

// pushFront returns an entry taken by pop to the head of the queue.
func (o *outbox) pushFront(m domain.Message) {
	o.items = append([]domain.Message{m}, o.items...)
}

func (o *outbox) pop() (domain.Message, bool) {
	if len(o.items) == 0 {
		return domain.Message{}, false
	}
	m := o.items[0]
	o.items[0] = domain.Message{}
	o.items = o.items[1:]
	return m, true
}

func (o *outbox) len() int { return len(o.items) }
