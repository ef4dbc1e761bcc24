// internal/sched/scheduler.go

package sched

import (
	"fmt"

	"github.com/emirpasic/gods/lists/arraylist"

	"tickos/internal/kerr"
)

// Switcher owns the saved execution contexts of all tasks.
type Switcher interface {
	// Reset gives a freshly allocated slot a pristine context.
	Reset(id TaskID)
	// Switch suspends from and resumes to. It returns once from runs again.
	Switch(from, to TaskID)
}

// QuantumTimer is the scheduler's own time-slice timer.
type QuantumTimer interface {
	Rearm(ticks uint32)
}

// level is one priority tier: its ready tasks and the rotation cursor.
type level struct {
	tasks *arraylist.List // TaskIDs in run order
	now   int             // index of the member currently holding the CPU
}

// Scheduler implements strict-priority tiers with round-robin inside a tier.
// It is not safe for concurrent use; the kernel calls it with interrupts masked.
type Scheduler struct {
	cfg      Config
	tasks    []Task
	levels   []level
	nowLv    int  // tier currently being served
	lvChange bool // tier selection must be re-evaluated at the next switch
	sw       Switcher
	qt       QuantumTimer
}

// New creates a Scheduler with every task slot Available.
func New(cfg Config, sw Switcher, qt QuantumTimer) *Scheduler {
	cfg = cfg.normalize()
	s := &Scheduler{
		cfg:    cfg,
		tasks:  make([]Task, cfg.MaxTasks),
		levels: make([]level, cfg.MaxLevels),
		sw:     sw,
		qt:     qt,
	}
	for i := range s.tasks {
		s.tasks[i] = newTask(TaskID(i), cfg.DefaultQuantum)
	}
	for i := range s.levels {
		s.levels[i].tasks = arraylist.New()
	}
	return s
}

// Init claims the task that is already executing (the boot context) and
// makes it the sole Running task of tier 0.
func (s *Scheduler) Init() (TaskID, error) {
	id, err := s.Alloc()
	if err != nil {
		return NoTask, err
	}
	t := &s.tasks[id]
	t.Level = 0
	t.Quantum = s.cfg.DefaultQuantum
	s.add(id)
	s.switchsub()
	return id, nil
}

// Alloc claims an Available slot and leaves it Allocated.
func (s *Scheduler) Alloc() (TaskID, error) {
	for i := range s.tasks {
		t := &s.tasks[i]
		if t.State != StateAvailable {
			continue
		}
		t.State = StateAllocated
		t.Queue = -1
		if s.sw != nil {
			s.sw.Reset(t.ID)
		}
		return t.ID, nil
	}
	return NoTask, fmt.Errorf("task table: %w", kerr.ErrExhausted)
}

// Run makes a task ready in the given tier.
// A negative level keeps the task's tier, a zero quantum keeps its quantum.
func (s *Scheduler) Run(id TaskID, lv int, quantum uint32) {
	t := s.task(id)
	if lv < 0 {
		lv = t.Level
	}
	s.checkLevel(lv)
	if quantum > 0 {
		t.Quantum = quantum
	}

	if t.State == StateRunning && t.Level != lv {
		// moving tiers: drop it here, the branch below re-adds it
		s.remove(id)
	}
	if t.State != StateRunning {
		t.Level = lv
		s.add(id)
	}

	s.lvChange = true
}

// Wake puts a sleeping task back on its tier.
func (s *Scheduler) Wake(id TaskID) {
	if s.task(id).State == StateAllocated {
		s.Run(id, -1, 0)
	}
}

// Sleep takes a task off its ready list. Putting the current task to sleep
// switches to the next selected task before returning.
func (s *Scheduler) Sleep(id TaskID) {
	if s.task(id).State != StateRunning {
		return
	}

	cur := s.Current()
	s.remove(id)
	if id != cur {
		return
	}

	s.switchsub()
	next := s.Current()
	if next == NoTask {
		panic("sched: current task went to sleep with nothing left to run")
	}
	s.sw.Switch(id, next)
}

// Switch ends the current time slice: it rotates the current tier, re-evaluates
// tier selection if something changed, re-arms the quantum timer and hands the
// CPU to the selected task.
func (s *Scheduler) Switch() {
	from := s.Current()
	tl := &s.levels[s.nowLv]
	if n := tl.tasks.Size(); n > 0 {
		tl.now++
		if tl.now >= n {
			tl.now = 0
		}
	}
	if s.lvChange || tl.tasks.Empty() {
		s.switchsub()
	}

	to := s.Current()
	if to == NoTask {
		return
	}
	if s.qt != nil {
		s.qt.Rearm(s.tasks[to].Quantum)
	}
	if to != from && from != NoTask {
		s.sw.Switch(from, to)
	}
}

// Current returns the task holding the CPU.
func (s *Scheduler) Current() TaskID {
	tl := &s.levels[s.nowLv]
	v, ok := tl.tasks.Get(tl.now)
	if !ok {
		return NoTask
	}
	return v.(TaskID)
}

// Task returns a copy of the record of id.
func (s *Scheduler) Task(id TaskID) Task { return *s.task(id) }

// SetQueue records the event queue bound to a task.
func (s *Scheduler) SetQueue(id TaskID, q int) { s.task(id).Queue = q }

// Ready lists the tasks of one tier in rotation order.
func (s *Scheduler) Ready(lv int) []TaskID {
	s.checkLevel(lv)
	vals := s.levels[lv].tasks.Values()
	out := make([]TaskID, len(vals))
	for i, v := range vals {
		out[i] = v.(TaskID)
	}
	return out
}

// NowLevel reports the tier currently being served.
func (s *Scheduler) NowLevel() int { return s.nowLv }

// Levels reports the number of tiers.
func (s *Scheduler) Levels() int { return len(s.levels) }

func (s *Scheduler) add(id TaskID) {
	t := &s.tasks[id]
	tl := &s.levels[t.Level]
	if tl.tasks.Size() >= s.cfg.MaxTasksPerLevel {
		panic(fmt.Sprintf("sched: tier %d is full", t.Level))
	}
	tl.tasks.Add(id)
	t.State = StateRunning
}

func (s *Scheduler) remove(id TaskID) {
	t := &s.tasks[id]
	tl := &s.levels[t.Level]
	idx := tl.tasks.IndexOf(id)
	if idx < 0 {
		panic(fmt.Sprintf("sched: task %d missing from tier %d", id, t.Level))
	}

	tl.tasks.Remove(idx)
	if idx < tl.now {
		tl.now--
	}
	if tl.now >= tl.tasks.Size() {
		tl.now = 0
	}
	t.State = StateAllocated
}

// switchsub selects the highest tier that has a ready task.
func (s *Scheduler) switchsub() {
	lv := len(s.levels) - 1
	for i := range s.levels {
		if !s.levels[i].tasks.Empty() {
			lv = i
			break
		}
	}
	s.nowLv = lv
	s.lvChange = false
}

func (s *Scheduler) task(id TaskID) *Task {
	if id < 0 || int(id) >= len(s.tasks) {
		panic(fmt.Sprintf("sched: task %d out of range", id))
	}
	return &s.tasks[id]
}

func (s *Scheduler) checkLevel(lv int) {
	if lv < 0 || lv >= len(s.levels) {
		panic(fmt.Sprintf("sched: tier %d out of range", lv))
	}
}
