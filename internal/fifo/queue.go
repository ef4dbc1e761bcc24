// internal/fifo/queue.go

package fifo

import (
	"fmt"

	"github.com/emirpasic/gods/queues/circularbuffer"

	"tickos/internal/kerr"
	"tickos/internal/sched"
)

// FlagOverrun is set once a push found the queue full.
const FlagOverrun = 0x0001

// Waker is told when a token lands in a queue with a bound owner.
type Waker interface {
	Wake(id sched.TaskID)
}

// Queue is a bounded ring of 32-bit tokens with one producer and one consumer.
// Callers serialise access with the interrupt mask.
type Queue struct {
	buf   *circularbuffer.Queue
	size  int
	flags int
	owner sched.TaskID
	waker Waker
}

// New creates a queue holding up to size tokens. w may be nil.
func New(size int, w Waker) *Queue {
	if size < 1 {
		panic(fmt.Sprintf("fifo: invalid size %d", size))
	}
	return &Queue{
		buf:   circularbuffer.New(size),
		size:  size,
		owner: sched.NoTask,
		waker: w,
	}
}

// Push appends token. A full queue drops it and sets the overrun flag.
func (q *Queue) Push(token uint32) error {
	if q.buf.Full() {
		q.flags |= FlagOverrun
		return kerr.ErrOverrun
	}
	q.buf.Enqueue(token)

	if q.owner != sched.NoTask && q.waker != nil {
		q.waker.Wake(q.owner)
	}
	return nil
}

// Pop removes the oldest token.
func (q *Queue) Pop() (uint32, error) {
	v, ok := q.buf.Dequeue()
	if !ok {
		return 0, kerr.ErrEmpty
	}
	return v.(uint32), nil
}

// Status reports how many tokens are waiting.
func (q *Queue) Status() int { return q.buf.Size() }

// Free reports how many more tokens fit.
func (q *Queue) Free() int { return q.size - q.buf.Size() }

// Overrun reports whether a token has been dropped since the last ClearOverrun.
func (q *Queue) Overrun() bool { return q.flags&FlagOverrun != 0 }

func (q *Queue) ClearOverrun() { q.flags &^= FlagOverrun }

// BindOwner makes every successful push wake task id.
func (q *Queue) BindOwner(id sched.TaskID) { q.owner = id }

func (q *Queue) Owner() sched.TaskID { return q.owner }
