// internal/kernel/kernel.go

package kernel

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tickos/internal/fifo"
	"tickos/internal/kerr"
	"tickos/internal/mem"
	"tickos/internal/sched"
	"tickos/internal/timer"
)

// Arena bytes reserved per table slot at boot.
const (
	taskRecordSize  = 128
	timerRecordSize = 16
	tokenSize       = 4
)

// Kernel bundles the memory arena, queue registry, timer service and
// scheduler of one kernel instance.
type Kernel struct {
	cfg    Config
	bootID string

	// mask is the interrupt flag: held means interrupts are masked.
	// Every table below is touched only while it is held.
	mask sync.Mutex

	arena  *mem.Arena
	queues *fifo.Registry
	timers *timer.Service
	sched  *sched.Scheduler
	fibers *fibers

	quantum timer.ID // the scheduler's time-slice timer
	resched bool     // set by the quantum timer, consumed at the next preemption point
	boot    sched.TaskID
	idle    sched.TaskID

	pit     *PIT
	started bool
	hlt     chan struct{} // pulsed on every timer interrupt
	done    chan struct{}
	closed  bool

	events  chan Event
	dropped atomic.Uint64
}

// quantumTimer lets the scheduler re-arm its own timer.
type quantumTimer struct{ k *Kernel }

func (q quantumTimer) Rearm(ticks uint32) { q.k.timers.Arm(q.k.quantum, ticks) }

// Boot builds a kernel and makes the calling goroutine its boot task.
func Boot(cfg Config) (*Kernel, error) {
	cfg = cfg.sanitize()
	if err := cfg.checkArena(); err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k := &Kernel{
		cfg:     cfg,
		bootID:  uuid.NewString(),
		arena:   mem.New(cfg.MaxFrees),
		queues:  fifo.NewRegistry(),
		quantum: timer.NoTimer,
		boot:    sched.NoTask,
		idle:    sched.NoTask,
		pit:     NewPIT(),
		hlt:     make(chan struct{}, 1),
		done:    make(chan struct{}),
		events:  make(chan Event, cfg.EventBuffer),
	}

	k.mask.Lock()
	defer k.mask.Unlock()

	for _, r := range cfg.Arena {
		if err := k.arena.Free(r.Base, r.Size); err != nil {
			return nil, fmt.Errorf("boot: %w", err)
		}
	}
	if _, err := k.arena.Alloc4K(uint32(cfg.MaxTasks) * taskRecordSize); err != nil {
		return nil, fmt.Errorf("boot: task table: %w", err)
	}
	if _, err := k.arena.Alloc4K(uint32(cfg.MaxTimers) * timerRecordSize); err != nil {
		return nil, fmt.Errorf("boot: timer table: %w", err)
	}

	k.fibers = newFibers(k, cfg.MaxTasks)
	k.sched = sched.New(cfg.schedConfig(), k.fibers, quantumTimer{k})
	k.timers = timer.New(cfg.MaxTimers, k.queues)

	boot, err := k.sched.Init()
	if err != nil {
		return nil, fmt.Errorf("boot: %w", err)
	}
	k.boot = boot
	k.fibers.adopt(boot)

	if k.quantum, err = k.timers.Alloc(); err != nil {
		return nil, fmt.Errorf("boot: quantum timer: %w", err)
	}
	k.timers.SetQuantum(k.quantum)
	k.timers.Arm(k.quantum, k.sched.Task(boot).Quantum)

	if k.idle, err = k.spawn(idleTask); err != nil {
		return nil, fmt.Errorf("boot: idle task: %w", err)
	}
	k.sched.Run(k.idle, cfg.MaxLevels-1, 1)

	k.emit(EventBoot, boot, k.arena.Total())
	return k, nil
}

// idleTask occupies the lowest tier so a sleeping task always has somewhere to switch to.
func idleTask(k *Kernel, _ sched.TaskID) {
	for {
		k.Halt()
	}
}

// Start raises timer interrupts at cfg.TickMS. With TickMS 0 ticks come only from Tick.
func (k *Kernel) Start() {
	k.mask.Lock()
	defer k.mask.Unlock()
	if k.started || k.closed || k.cfg.TickMS <= 0 {
		return
	}
	k.started = true
	k.pit.Start(time.Duration(k.cfg.TickMS)*time.Millisecond, k.Tick)
}

// Shutdown stops the timer, parks every task for good and closes the event
// stream. It must be called by the boot task.
func (k *Kernel) Shutdown() {
	k.pit.Stop()

	k.mask.Lock()
	defer k.mask.Unlock()
	if k.closed {
		return
	}
	if cur := k.sched.Current(); cur != k.boot {
		panic(fmt.Sprintf("kernel: shutdown from task %d, not the boot task", cur))
	}
	k.closed = true
	close(k.done)
	close(k.events)
}

// Tick is the timer interrupt handler.
func (k *Kernel) Tick() {
	k.mask.Lock()
	ex := k.timers.Tick()
	if ex.Reschedule {
		k.resched = true
	}
	fired := ex.Fired
	if ex.Reschedule {
		fired--
	}
	if fired > 0 {
		k.emit(EventTimer, sched.NoTask, uint32(fired))
	}
	k.mask.Unlock()

	select {
	case k.hlt <- struct{}{}:
	default:
	}
}

// Yield is a preemption point.
func (k *Kernel) Yield() {
	k.Cli().Sti()
}

// Halt waits for the next timer interrupt, then yields.
func (k *Kernel) Halt() {
	select {
	case <-k.hlt:
	case <-k.done:
		return
	}
	k.Yield()
}

// Receive pops the next token from q, sleeping the calling task while q is
// empty. q must be bound to the caller, or nothing will wake it.
func (k *Kernel) Receive(q fifo.QueueID) uint32 {
	for {
		cs := k.Cli()
		if cs.Status(q) == 0 {
			cs.Sleep(cs.Current())
			cs.Sti()
			continue
		}
		tok, _ := cs.Pop(q)
		cs.Sti()
		return tok
	}
}

// Memory

func (k *Kernel) Alloc(size uint32) (uint32, error) {
	k.mask.Lock()
	defer k.mask.Unlock()
	addr, err := k.arena.Alloc(size)
	k.noteMem(err, size)
	return addr, err
}

func (k *Kernel) Free(addr, size uint32) error {
	k.mask.Lock()
	defer k.mask.Unlock()
	err := k.arena.Free(addr, size)
	k.noteMem(err, size)
	return err
}

func (k *Kernel) Alloc4K(size uint32) (uint32, error) {
	k.mask.Lock()
	defer k.mask.Unlock()
	addr, err := k.arena.Alloc4K(size)
	k.noteMem(err, size)
	return addr, err
}

func (k *Kernel) Free4K(addr, size uint32) error {
	k.mask.Lock()
	defer k.mask.Unlock()
	err := k.arena.Free4K(addr, size)
	k.noteMem(err, size)
	return err
}

// TotalFree reports the free bytes of the arena.
func (k *Kernel) TotalFree() uint32 {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.arena.Total()
}

func (k *Kernel) MemStats() mem.Stats {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.arena.Stats()
}

func (k *Kernel) noteMem(err error, size uint32) {
	switch {
	case err == nil:
	case errors.Is(err, kerr.ErrExhausted):
		k.emit(EventRefused, sched.NoTask, size)
	case errors.Is(err, kerr.ErrLostFree):
		k.emit(EventLostFree, sched.NoTask, size)
	}
}

// Queues

// NewQueue creates a queue of capacity tokens, carved from the arena, and
// binds it to owner unless owner is sched.NoTask. A capacity of 0 selects the
// task queue size.
func (k *Kernel) NewQueue(capacity int, owner sched.TaskID) (fifo.QueueID, error) {
	if capacity <= 0 {
		capacity = k.cfg.TaskQueueSize
	}
	k.mask.Lock()
	defer k.mask.Unlock()

	if capacity > maxSlots {
		k.emit(EventRefused, owner, uint32(capacity))
		return fifo.NoQueue, fmt.Errorf("queue of %d tokens: %w", capacity, kerr.ErrExhausted)
	}

	if _, err := k.arena.Alloc(uint32(capacity) * tokenSize); err != nil {
		k.emit(EventRefused, owner, uint32(capacity))
		return fifo.NoQueue, fmt.Errorf("queue: %w", err)
	}
	id := k.queues.Add(fifo.New(capacity, k.sched))
	if owner != sched.NoTask {
		k.bindOwner(id, owner)
	}
	return id, nil
}

// NewHardwareQueue creates an unowned queue sized for an interrupt channel.
func (k *Kernel) NewHardwareQueue() (fifo.QueueID, error) {
	return k.NewQueue(k.cfg.HardwareQueueSize, sched.NoTask)
}

func (k *Kernel) BindOwner(q fifo.QueueID, owner sched.TaskID) {
	k.mask.Lock()
	defer k.mask.Unlock()
	k.bindOwner(q, owner)
}

func (k *Kernel) bindOwner(q fifo.QueueID, owner sched.TaskID) {
	if st := k.sched.Task(owner).State; st == sched.StateAvailable {
		panic(fmt.Sprintf("kernel: queue owner %d is not an allocated task", owner))
	}
	k.queues.Get(q).BindOwner(owner)
	k.sched.SetQueue(owner, int(q))
}

// Push is what an interrupt handler calls to hand a token to a task.
func (k *Kernel) Push(q fifo.QueueID, token uint32) error {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.push(q, token)
}

func (k *Kernel) push(q fifo.QueueID, token uint32) error {
	err := k.queues.Push(q, token)
	if errors.Is(err, kerr.ErrOverrun) {
		k.emit(EventOverrun, k.queues.Get(q).Owner(), token)
	}
	return err
}

// Pop never blocks; see Receive.
func (k *Kernel) Pop(q fifo.QueueID) (uint32, error) {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.queues.Get(q).Pop()
}

func (k *Kernel) Status(q fifo.QueueID) int {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.queues.Get(q).Status()
}

// Overrun reports whether q has dropped a token.
func (k *Kernel) Overrun(q fifo.QueueID) bool {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.queues.Get(q).Overrun()
}

// Timers

func (k *Kernel) AllocTimer() (timer.ID, error) {
	k.mask.Lock()
	defer k.mask.Unlock()
	id, err := k.timers.Alloc()
	if err != nil {
		k.emit(EventRefused, sched.NoTask, 0)
	}
	return id, err
}

func (k *Kernel) FreeTimer(id timer.ID) {
	k.mask.Lock()
	defer k.mask.Unlock()
	if id == k.quantum {
		panic("kernel: the quantum timer cannot be freed")
	}
	k.timers.Free(id)
}

func (k *Kernel) BindTimer(id timer.ID, q fifo.QueueID, data uint32) {
	k.mask.Lock()
	defer k.mask.Unlock()
	k.timers.Bind(id, q, data)
}

// ArmTimer fires id ticks ticks from now.
func (k *Kernel) ArmTimer(id timer.ID, ticks uint32) {
	k.mask.Lock()
	defer k.mask.Unlock()
	if id == k.quantum {
		panic("kernel: the quantum timer is armed by the scheduler")
	}
	k.timers.Arm(id, ticks)
}

// Ticks returns the number of timer interrupts handled.
func (k *Kernel) Ticks() uint32 {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.timers.Count()
}

// Tasks

// Spawn allocates a task with its own stack. It stays Allocated until Run.
func (k *Kernel) Spawn(entry TaskFunc) (sched.TaskID, error) {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.spawn(entry)
}

func (k *Kernel) spawn(entry TaskFunc) (sched.TaskID, error) {
	stack, err := k.arena.Alloc4K(k.cfg.StackSize)
	if err != nil {
		k.emit(EventRefused, sched.NoTask, k.cfg.StackSize)
		return sched.NoTask, fmt.Errorf("spawn: stack: %w", err)
	}
	id, err := k.sched.Alloc()
	if err != nil {
		_ = k.arena.Free4K(stack, k.cfg.StackSize)
		k.emit(EventRefused, sched.NoTask, 0)
		return sched.NoTask, fmt.Errorf("spawn: %w", err)
	}

	f := k.fibers.get(id)
	f.entry = entry
	f.stack = stack
	k.emit(EventSpawn, id, stack)
	return id, nil
}

// Run makes id ready. A negative level keeps its tier, a zero quantum keeps its quantum.
func (k *Kernel) Run(id sched.TaskID, level int, quantum uint32) {
	k.checkNotIdle(id)
	k.mask.Lock()
	defer k.mask.Unlock()
	k.run(id, level, quantum)
}

func (k *Kernel) run(id sched.TaskID, level int, quantum uint32) {
	k.checkNotIdle(id)
	k.sched.Run(id, level, quantum)
	k.emit(EventRun, id, k.sched.Task(id).Quantum)
}

// Sleep blocks id; see Section.Sleep.
func (k *Kernel) Sleep(id sched.TaskID) {
	k.checkNotIdle(id)
	cs := k.Cli()
	cs.Sleep(id)
	cs.Sti()
}

func (k *Kernel) sleep(id sched.TaskID) {
	k.checkNotIdle(id)
	if k.sched.Task(id).State == sched.StateRunning {
		k.emit(EventSleep, id, 0)
	}
	k.sched.Sleep(id)
}

// checkNotIdle guards the idle task, which must stay ready in the lowest tier.
func (k *Kernel) checkNotIdle(id sched.TaskID) {
	if id != sched.NoTask && id == k.idle {
		panic("kernel: the idle task is managed by the kernel")
	}
}

// Current returns the task holding the CPU.
func (k *Kernel) Current() sched.TaskID {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.sched.Current()
}

func (k *Kernel) Task(id sched.TaskID) sched.Task {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.sched.Task(id)
}

// StackOf returns the arena address of a task's stack.
func (k *Kernel) StackOf(id sched.TaskID) uint32 {
	k.mask.Lock()
	defer k.mask.Unlock()
	return k.fibers.get(id).stack
}

// ReadyLists returns the ready tasks of every tier in rotation order.
func (k *Kernel) ReadyLists() [][]sched.TaskID {
	k.mask.Lock()
	defer k.mask.Unlock()
	out := make([][]sched.TaskID, k.sched.Levels())
	for lv := range out {
		out[lv] = k.sched.Ready(lv)
	}
	return out
}

// Interrupts returns how many timer interrupts the PIT raised.
func (k *Kernel) Interrupts() int64 { return k.pit.Count() }

func (k *Kernel) BootTask() sched.TaskID { return k.boot }

func (k *Kernel) IdleTask() sched.TaskID { return k.idle }

func (k *Kernel) BootID() string { return k.bootID }

func (k *Kernel) Config() Config { return k.cfg }
