package kernel

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickos/internal/fifo"
	"tickos/internal/kerr"
	"tickos/internal/sched"
)

func testConfig() Config {
	return Config{
		TickMS:            0,
		MaxTasks:          8,
		MaxLevels:         4,
		MaxTasksPerLevel:  8,
		DefaultQuantum:    2,
		MaxTimers:         16,
		MaxFrees:          64,
		HardwareQueueSize: 8,
		TaskQueueSize:     16,
		StackSize:         0x4000,
		EventBuffer:       1024,
		Arena:             []Region{{Base: 0x400000, Size: 1 << 20}},
	}
}

func drain(k *Kernel) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-k.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(evs []Event) []EventKind {
	out := make([]EventKind, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.Kind)
	}
	return out
}

func TestBoot(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	boot := k.BootTask()
	assert.Equal(t, boot, k.Current())
	assert.Equal(t, sched.StateRunning, k.Task(boot).State)
	assert.Equal(t, 0, k.Task(boot).Level)
	assert.Equal(t, 3, k.Task(k.IdleTask()).Level, "idle sits in the lowest tier")
	assert.NotEmpty(t, k.BootID())
	assert.Equal(t, testConfig(), k.Config())
	ready := k.ReadyLists()
	require.Len(t, ready, 4)
	assert.Equal(t, []sched.TaskID{boot}, ready[0])
	assert.Equal(t, []sched.TaskID{k.IdleTask()}, ready[3])

	// task table, timer table and the idle stack come out of the arena
	assert.Equal(t, uint32(1<<20-0x1000-0x1000-0x4000), k.TotalFree())
	assert.Equal(t, uint32(0x402000), k.StackOf(k.IdleTask()))

	assert.Equal(t, []EventKind{EventSpawn, EventBoot}, kinds(drain(k)))
}

func TestBootArenaTooSmall(t *testing.T) {
	cfg := testConfig()
	cfg.Arena = []Region{{Base: 0x400000, Size: 0x1000}}

	_, err := Boot(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerr.ErrExhausted))
}

func TestBootRejectsBadArena(t *testing.T) {
	cases := []struct {
		name  string
		arena []Region
	}{
		{"overlapping", []Region{{Base: 0x400000, Size: 1 << 20}, {Base: 0x480000, Size: 1 << 20}}},
		{"overlapping out of order", []Region{{Base: 0x480000, Size: 1 << 20}, {Base: 0x400000, Size: 1 << 20}}},
		{"past 4GiB", []Region{{Base: 0xfff00000, Size: 0x200000}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Arena = tc.arena

			var err error
			require.NotPanics(t, func() { _, err = Boot(cfg) })
			assert.True(t, errors.Is(err, kerr.ErrBadRange))
		})
	}
}

func TestBootMergesAdjacentRegions(t *testing.T) {
	cfg := testConfig()
	cfg.Arena = []Region{{Base: 0x480000, Size: 0x80000}, {Base: 0x400000, Size: 0x80000}}
	k, err := Boot(cfg)
	require.NoError(t, err)
	defer k.Shutdown()

	assert.Equal(t, 1, k.MemStats().Blocks)
}

func TestBootReportsRegionsLostToFreeTable(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrees = 1
	cfg.Arena = []Region{{Base: 0x400000, Size: 1 << 20}, {Base: 0x800000, Size: 1 << 20}}

	_, err := Boot(cfg)
	assert.True(t, errors.Is(err, kerr.ErrLostFree))
}

func TestSpawnRefusedWhenTableFull(t *testing.T) {
	cfg := testConfig()
	cfg.MaxTasks = 2
	k, err := Boot(cfg)
	require.NoError(t, err)
	defer k.Shutdown()

	before := k.TotalFree()
	_, err = k.Spawn(nil)
	assert.True(t, kerr.IsRefused(err))
	assert.Equal(t, before, k.TotalFree(), "the stack is given back")
}

func TestReceiveHandsOffBetweenTasks(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	boot := k.BootTask()
	inbox, err := k.NewQueue(4, boot)
	require.NoError(t, err)

	got := make(chan uint32, 3)
	var work fifo.QueueID
	consumer, err := k.Spawn(func(k *Kernel, self sched.TaskID) {
		for i := 0; i < 3; i++ {
			got <- k.Receive(work)
		}
		_ = k.Push(inbox, 99)
	})
	require.NoError(t, err)
	work, err = k.NewQueue(0, consumer)
	require.NoError(t, err)
	assert.Equal(t, int(work), k.Task(consumer).Queue)
	k.Run(consumer, 1, 2)

	for _, tok := range []uint32{10, 20, 30} {
		require.NoError(t, k.Push(work, tok))
	}

	// boot sleeps until the consumer answers
	assert.Equal(t, uint32(99), k.Receive(inbox))
	assert.Equal(t, boot, k.Current())
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{<-got, <-got, <-got})
	assert.Equal(t, sched.StateAllocated, k.Task(consumer).State, "a finished task stays asleep")
}

func TestQuantumExpiryPreemptsAtYield(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	ran := make(chan sched.TaskID, 1)
	w, err := k.Spawn(func(k *Kernel, self sched.TaskID) {
		ran <- self
		k.Sleep(self)
	})
	require.NoError(t, err)
	k.Run(w, 0, 3)

	k.Tick()
	k.Yield()
	assert.Len(t, ran, 0, "quantum still running")

	k.Tick()
	k.Yield()
	assert.Equal(t, w, <-ran)
	assert.Equal(t, k.BootTask(), k.Current())
	assert.Equal(t, sched.StateAllocated, k.Task(w).State)

	var dispatched []sched.TaskID
	for _, ev := range drain(k) {
		if ev.Kind == EventDispatch {
			dispatched = append(dispatched, ev.Task)
		}
	}
	assert.Equal(t, []sched.TaskID{w, k.BootTask()}, dispatched)
}

func TestTimerWakesSleeperUnderPreemption(t *testing.T) {
	cfg := testConfig()
	cfg.TickMS = 1
	k, err := Boot(cfg)
	require.NoError(t, err)
	defer k.Shutdown()

	var counts [2]atomic.Uint64
	for i := range counts {
		c := &counts[i]
		id, err := k.Spawn(func(k *Kernel, _ sched.TaskID) {
			for {
				c.Add(1)
				k.Yield()
			}
		})
		require.NoError(t, err)
		k.Run(id, 2, 1)
	}

	inbox, err := k.NewQueue(4, k.BootTask())
	require.NoError(t, err)
	tm, err := k.AllocTimer()
	require.NoError(t, err)
	k.BindTimer(tm, inbox, 7)
	k.ArmTimer(tm, 20)

	k.Start()
	assert.Equal(t, uint32(7), k.Receive(inbox))
	assert.GreaterOrEqual(t, k.Ticks(), uint32(20))
	assert.GreaterOrEqual(t, k.Interrupts(), int64(20))
	assert.NotZero(t, counts[0].Load())
	assert.NotZero(t, counts[1].Load())
}

func TestPushOverrun(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	q, err := k.NewHardwareQueue()
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, k.Push(q, uint32(i)))
	}
	err = k.Push(q, 8)
	assert.True(t, errors.Is(err, kerr.ErrOverrun))
	assert.True(t, k.Overrun(q))
	assert.Equal(t, 8, k.Status(q))

	tok, err := k.Pop(q)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), tok)
	assert.Contains(t, kinds(drain(k)), EventOverrun)
}

func TestMemoryThroughKernel(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	free := k.TotalFree()
	addr, err := k.Alloc4K(100)
	require.NoError(t, err)
	assert.Equal(t, free-0x1000, k.TotalFree())
	require.NoError(t, k.Free4K(addr, 100))
	assert.Equal(t, free, k.TotalFree())

	_, err = k.Alloc(free + 1)
	assert.True(t, kerr.IsRefused(err))
	assert.Contains(t, kinds(drain(k)), EventRefused)
}

func TestLostFreeIsCounted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrees = 2
	k, err := Boot(cfg)
	require.NoError(t, err)
	defer k.Shutdown()

	var addrs []uint32
	for i := 0; i < 4; i++ {
		a, err := k.Alloc(0x100)
		require.NoError(t, err)
		addrs = append(addrs, a)
	}
	require.NoError(t, k.Free(addrs[0], 0x100))

	err = k.Free(addrs[2], 0x100)
	assert.True(t, errors.Is(err, kerr.ErrLostFree))
	st := k.MemStats()
	assert.Equal(t, uint32(1), st.Losts)
	assert.Equal(t, uint32(0x100), st.LostSize)
	assert.Contains(t, kinds(drain(k)), EventLostFree)
}

func TestEventsDropWhenStreamFull(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	k, err := Boot(cfg)
	require.NoError(t, err)
	defer k.Shutdown()

	assert.Equal(t, uint64(1), k.DroppedEvents())
}

func TestQuantumTimerIsReserved(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	assert.Panics(t, func() { k.FreeTimer(k.quantum) })
	assert.Panics(t, func() { k.ArmTimer(k.quantum, 1) })
}

func TestIdleTaskIsReserved(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	assert.Panics(t, func() { k.Sleep(k.IdleTask()) })
	assert.Panics(t, func() { k.Run(k.IdleTask(), 0, 1) })
	assert.Equal(t, sched.StateRunning, k.Task(k.IdleTask()).State)
	assert.Equal(t, 3, k.Task(k.IdleTask()).Level)
}

func TestBindOwnerRejectsFreeSlot(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	q, err := k.NewHardwareQueue()
	require.NoError(t, err)

	// slots 0 and 1 hold the boot and idle tasks
	assert.Panics(t, func() { k.BindOwner(q, 5) })
	k.mask.Lock()
	owner := k.queues.Get(q).Owner()
	k.mask.Unlock()
	assert.Equal(t, sched.NoTask, owner)
}

func TestNewQueueRefusesOversizedCapacity(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	defer k.Shutdown()

	before := k.TotalFree()
	_, err = k.NewQueue(maxSlots+1, sched.NoTask)
	assert.True(t, kerr.IsRefused(err))
	assert.Equal(t, before, k.TotalFree())
}

func TestShutdownClosesEvents(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)
	k.Shutdown()
	k.Shutdown()

	for range k.Events() {
	}
	_, ok := <-k.Events()
	assert.False(t, ok)
}
