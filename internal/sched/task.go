package sched

// TaskID is the slot index of a task in the scheduler's table.
type TaskID int

// NoTask is returned by Current when no tier has a ready task.
const NoTask TaskID = -1

// State is the lifecycle position of a task slot.
type State int

const (
	StateAvailable State = iota // never handed out
	StateAllocated              // owns a context, not on any ready list
	StateRunning                // on exactly one tier's ready list
)

func (s State) String() string {
	switch s {
	case StateAvailable:
		return "Available"
	case StateAllocated:
		return "Allocated"
	case StateRunning:
		return "Running"
	default:
		return "Unknown"
	}
}

// Task represents one schedulable unit.
// Its saved execution context is owned by the Switcher, indexed by ID.
type Task struct {
	ID      TaskID
	State   State
	Level   int    // tier, 0 is the highest priority
	Quantum uint32 // ticks per time slice
	Queue   int    // bound event queue handle, -1 if none
}

func newTask(id TaskID, quantum uint32) Task {
	return Task{
		ID:      id,
		State:   StateAvailable,
		Level:   0,
		Quantum: quantum,
		Queue:   -1,
	}
}
