// internal/kernel/event.go

package kernel

import (
	"time"

	"tickos/internal/sched"
)

// EventKind represents the type of kernel event
type EventKind int

const (
	EventBoot EventKind = iota
	EventSpawn
	EventRun
	EventSleep
	EventDispatch
	EventTimer
	EventOverrun
	EventLostFree
	EventRefused
)

// Event is emitted on key kernel actions.
type Event struct {
	Time  time.Time
	Kind  EventKind
	Tick  uint32
	Task  sched.TaskID
	Level int
	Value uint32 // token, byte count or timers fired, depending on Kind
}

func (k EventKind) String() string {
	switch k {
	case EventBoot:
		return "Boot"
	case EventSpawn:
		return "Spawn"
	case EventRun:
		return "Run"
	case EventSleep:
		return "Sleep"
	case EventDispatch:
		return "Dispatch"
	case EventTimer:
		return "Timer"
	case EventOverrun:
		return "Overrun"
	case EventLostFree:
		return "LostFree"
	case EventRefused:
		return "Refused"
	default:
		return "Unknown"
	}
}

// emit queues an event without blocking; callers hold the interrupt mask.
// A full stream drops the event and counts it.
func (k *Kernel) emit(kind EventKind, task sched.TaskID, value uint32) {
	if k.closed {
		return
	}
	lv := -1
	if task != sched.NoTask {
		lv = k.sched.Task(task).Level
	}
	ev := Event{
		Time:  time.Now(),
		Kind:  kind,
		Tick:  k.timers.Count(),
		Task:  task,
		Level: lv,
		Value: value,
	}
	select {
	case k.events <- ev:
	default:
		k.dropped.Add(1)
	}
}

// Events exposes the read-only event stream. It is closed by Shutdown.
func (k *Kernel) Events() <-chan Event { return k.events }

// DroppedEvents reports how many events were lost to a full stream.
func (k *Kernel) DroppedEvents() uint64 { return k.dropped.Load() }
