package kernel

import (
	"runtime"

	"tickos/internal/sched"
)

// TaskFunc is the entry point of a task. It runs with interrupts enabled.
type TaskFunc func(k *Kernel, self sched.TaskID)

// fiber is the saved execution context of one task: a goroutine parked on
// its resume channel while another task holds the CPU.
type fiber struct {
	resume  chan struct{}
	entry   TaskFunc
	stack   uint32 // arena address of the task's stack
	started bool
}

// fibers implements sched.Switcher. A switch hands the interrupt mask, still
// held, from the suspended fiber to the resumed one.
type fibers struct {
	k     *Kernel
	slots []*fiber
}

func newFibers(k *Kernel, n int) *fibers {
	return &fibers{k: k, slots: make([]*fiber, n)}
}

func (fs *fibers) Reset(id sched.TaskID) {
	fs.slots[id] = &fiber{resume: make(chan struct{}, 1)}
}

// adopt binds id to the goroutine that is already running.
func (fs *fibers) adopt(id sched.TaskID) {
	fs.slots[id].started = true
}

func (fs *fibers) get(id sched.TaskID) *fiber {
	return fs.slots[id]
}

func (fs *fibers) Switch(from, to sched.TaskID) {
	fs.k.emit(EventDispatch, to, uint32(from))

	next := fs.slots[to]
	if !next.started {
		next.started = true
		go fs.launch(to, next)
	}
	next.resume <- struct{}{}
	fs.park(from)
}

// park blocks the calling fiber until it is switched to again. After
// shutdown every fiber but the boot task exits instead.
func (fs *fibers) park(id sched.TaskID) {
	select {
	case <-fs.slots[id].resume:
	case <-fs.k.done:
		if id != fs.k.boot {
			runtime.Goexit()
		}
	}
}

func (fs *fibers) launch(id sched.TaskID, f *fiber) {
	k := fs.k
	select {
	case <-f.resume:
	case <-k.done:
		return
	}

	// a fresh context starts with interrupts enabled
	k.mask.Unlock()
	if f.entry != nil {
		f.entry(k, id)
	}

	// there is no exit state: a finished task sleeps for good
	for {
		cs := k.Cli()
		cs.Sleep(id)
		cs.Sti()
	}
}
