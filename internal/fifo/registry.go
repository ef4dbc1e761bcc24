package fifo

import (
	"errors"
	"fmt"
)

// QueueID indexes a queue in a Registry.
type QueueID int

// NoQueue marks a timer or task with no queue bound.
const NoQueue QueueID = -1

// ErrUnbound is returned when pushing to NoQueue or an id the registry never issued.
var ErrUnbound = errors.New("fifo: no such queue")

// Registry owns every queue of one kernel and resolves handles to them.
type Registry struct {
	queues []*Queue
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Add registers q and returns its handle.
func (r *Registry) Add(q *Queue) QueueID {
	r.queues = append(r.queues, q)
	return QueueID(len(r.queues) - 1)
}

// Get resolves id. Unknown ids are a programming error.
func (r *Registry) Get(id QueueID) *Queue {
	if id < 0 || int(id) >= len(r.queues) {
		panic(fmt.Sprintf("fifo: unknown queue %d", id))
	}
	return r.queues[id]
}

// Push delivers token to queue id.
func (r *Registry) Push(id QueueID, token uint32) error {
	if id < 0 || int(id) >= len(r.queues) {
		return fmt.Errorf("push to queue %d: %w", id, ErrUnbound)
	}
	return r.queues[id].Push(token)
}
