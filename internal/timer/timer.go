// internal/timer/timer.go

package timer

import (
	"fmt"
	"math"

	"tickos/internal/fifo"
	"tickos/internal/kerr"
)

// ID is the slot index of a timer.
type ID int

// NoTimer means no timer is designated.
const NoTimer ID = -1

// State is the lifecycle position of a timer slot.
type State int

const (
	StateAvailable State = iota
	StateAllocated       // owned by a client, not in the chain
	StateArmed           // linked into the deadline chain
)

// Pusher delivers an expired timer's payload.
type Pusher interface {
	Push(q fifo.QueueID, token uint32) error
}

// Entry is one timer slot.
type Entry struct {
	Deadline uint32 // absolute tick
	State    State
	Queue    fifo.QueueID
	Data     uint32
	next     int // next entry in deadline order
}

// Expiry summarises what one Tick did.
type Expiry struct {
	Reschedule bool // the quantum timer fired
	Fired      int  // entries that came due
	Dropped    int  // payloads the target queue refused
}

// Service keeps the tick count and the deadline-ordered chain of armed timers.
// The last slot is a sentinel armed at math.MaxUint32 that ends every chain.
// It is not safe for concurrent use; callers mask interrupts around it.
type Service struct {
	count    uint32
	nextTime uint32 // deadline at the head of the chain
	t0       int    // head of the chain
	entries  []Entry
	sentinel int
	quantum  ID
	out      Pusher
}

// New creates a service with capacity slots, one of which is the sentinel.
func New(capacity int, out Pusher) *Service {
	if capacity < 2 {
		capacity = 2
	}
	s := &Service{
		entries:  make([]Entry, capacity),
		sentinel: capacity - 1,
		quantum:  NoTimer,
		out:      out,
	}
	for i := range s.entries {
		s.entries[i].Queue = fifo.NoQueue
	}
	s.entries[s.sentinel] = Entry{
		Deadline: math.MaxUint32,
		State:    StateArmed,
		Queue:    fifo.NoQueue,
	}
	s.t0 = s.sentinel
	s.nextTime = math.MaxUint32
	return s
}

// Alloc claims an Available timer.
func (s *Service) Alloc() (ID, error) {
	for i := 0; i < s.sentinel; i++ {
		e := &s.entries[i]
		if e.State != StateAvailable {
			continue
		}
		e.State = StateAllocated
		e.Queue = fifo.NoQueue
		e.Data = 0
		return ID(i), nil
	}
	return NoTimer, fmt.Errorf("timer table: %w", kerr.ErrExhausted)
}

// Free returns a timer to the pool, unlinking it first if it is still armed.
func (s *Service) Free(id ID) {
	e := s.entry(id)
	if e.State == StateArmed {
		s.unlink(int(id))
	}
	e.State = StateAvailable
	if id == s.quantum {
		s.quantum = NoTimer
	}
}

// Bind sets where the timer delivers and what it delivers.
func (s *Service) Bind(id ID, q fifo.QueueID, data uint32) {
	e := s.entry(id)
	e.Queue = q
	e.Data = data
}

// SetQuantum designates the scheduler's time-slice timer. Its expiry is
// reported through Expiry.Reschedule rather than a queue.
func (s *Service) SetQuantum(id ID) {
	s.entry(id)
	s.quantum = id
}

// Arm schedules the timer ticks ticks from now. Arming an armed timer moves it.
func (s *Service) Arm(id ID, ticks uint32) {
	e := s.entry(id)
	if e.State == StateAvailable {
		panic(fmt.Sprintf("timer: arm of unallocated timer %d", id))
	}
	if e.State == StateArmed {
		s.unlink(int(id))
	}

	deadline := uint64(s.count) + uint64(ticks)
	if deadline >= math.MaxUint32 {
		deadline = math.MaxUint32 - 1
	}
	e.Deadline = uint32(deadline)
	e.State = StateArmed

	// walk past every entry due no later than this one so equal deadlines
	// fire in arm order
	prev, cur := -1, s.t0
	for cur != s.sentinel && s.entries[cur].Deadline <= e.Deadline {
		prev, cur = cur, s.entries[cur].next
	}
	e.next = cur
	if prev < 0 {
		s.t0 = int(id)
		s.nextTime = e.Deadline
		return
	}
	s.entries[prev].next = int(id)
}

// Tick advances the clock by one and fires every timer that came due.
func (s *Service) Tick() Expiry {
	var ex Expiry
	s.count++
	if s.nextTime > s.count {
		return ex
	}

	i := s.t0
	// every linked entry is armed, the sentinel stops the walk
	for i != s.sentinel && s.entries[i].Deadline <= s.count {
		e := &s.entries[i]
		e.State = StateAllocated
		ex.Fired++
		if ID(i) == s.quantum {
			ex.Reschedule = true
		} else if s.out == nil {
			ex.Dropped++
		} else if err := s.out.Push(e.Queue, e.Data); err != nil {
			ex.Dropped++
		}
		i = e.next
	}
	s.t0 = i
	s.nextTime = s.entries[i].Deadline
	return ex
}

// Count returns the number of ticks seen.
func (s *Service) Count() uint32 { return s.count }

// NextExpiry returns the deadline of the earliest armed timer.
func (s *Service) NextExpiry() uint32 { return s.nextTime }

// Entry returns a copy of a timer slot.
func (s *Service) Entry(id ID) Entry { return *s.entry(id) }

// Chain lists the armed timers in firing order, sentinel excluded.
func (s *Service) Chain() []ID {
	var out []ID
	for i := s.t0; i != s.sentinel; i = s.entries[i].next {
		out = append(out, ID(i))
	}
	return out
}

func (s *Service) unlink(i int) {
	if s.t0 == i {
		s.t0 = s.entries[i].next
		s.nextTime = s.entries[s.t0].Deadline
		return
	}
	for p := s.t0; p != s.sentinel; p = s.entries[p].next {
		if s.entries[p].next == i {
			s.entries[p].next = s.entries[i].next
			return
		}
	}
}

func (s *Service) entry(id ID) *Entry {
	if id < 0 || int(id) >= s.sentinel {
		panic(fmt.Sprintf("timer: id %d out of range", id))
	}
	return &s.entries[id]
}
