package kernel

import (
	"tickos/internal/fifo"
	"tickos/internal/sched"
)

// Section is the capability of code running with interrupts masked.
// It is obtained from Cli and given back with Sti; the mask is not reentrant,
// so nothing called inside a Section may call Cli again.
type Section struct {
	k *Kernel
}

// Cli masks interrupts.
func (k *Kernel) Cli() Section {
	k.mask.Lock()
	return Section{k: k}
}

// Sti unmasks interrupts. It is a preemption point: a reschedule requested by
// the quantum timer while interrupts were masked is serviced before returning.
func (s Section) Sti() {
	k := s.k
	if k.resched && !k.closed {
		k.resched = false
		k.sched.Switch()
	}
	k.mask.Unlock()
}

func (s Section) Push(q fifo.QueueID, token uint32) error { return s.k.push(q, token) }

func (s Section) Pop(q fifo.QueueID) (uint32, error) { return s.k.queues.Get(q).Pop() }

func (s Section) Status(q fifo.QueueID) int { return s.k.queues.Get(q).Status() }

// Sleep blocks id. When id is the caller, it returns once the task is woken
// and selected again.
func (s Section) Sleep(id sched.TaskID) { s.k.sleep(id) }

func (s Section) Run(id sched.TaskID, level int, quantum uint32) { s.k.run(id, level, quantum) }

func (s Section) Current() sched.TaskID { return s.k.sched.Current() }
