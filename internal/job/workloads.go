// Package job holds task bodies built only on the kernel API.
package job

import (
	"sync/atomic"

	"tickos/internal/fifo"
	"tickos/internal/kernel"
	"tickos/internal/sched"
)

// Tokens understood by Blinker. Keyboard input starts at KeyOffset.
const (
	TokenBlinkOff uint32 = 0
	TokenBlinkOn  uint32 = 1
	TokenFocus    uint32 = 2
	TokenBlur     uint32 = 3
	KeyOffset     uint32 = 256
)

// ownQueue returns the queue bound to self by NewQueue or BindOwner.
func ownQueue(k *kernel.Kernel, self sched.TaskID) (fifo.QueueID, bool) {
	q := fifo.QueueID(k.Task(self).Queue)
	return q, q != fifo.NoQueue
}

// Blinker drives a text cursor from a timer delivering to the task's own
// queue. show is called on every blink with the visible state; the cursor
// only shows while focused.
func Blinker(period uint32, show func(on bool)) kernel.TaskFunc {
	return func(k *kernel.Kernel, self sched.TaskID) {
		q, ok := ownQueue(k, self)
		if !ok {
			return
		}
		tm, err := k.AllocTimer()
		if err != nil {
			return
		}
		k.BindTimer(tm, q, TokenBlinkOn)
		k.ArmTimer(tm, period)

		focused := true
		for {
			switch tok := k.Receive(q); tok {
			case TokenBlinkOn, TokenBlinkOff:
				on := tok == TokenBlinkOn
				if on {
					k.BindTimer(tm, q, TokenBlinkOff)
				} else {
					k.BindTimer(tm, q, TokenBlinkOn)
				}
				k.ArmTimer(tm, period)
				show(on && focused)
			case TokenFocus:
				focused = true
			case TokenBlur:
				focused = false
			}
		}
	}
}

// Echo forwards every token arriving on the task's own queue to out.
func Echo(out func(tok uint32)) kernel.TaskFunc {
	return func(k *kernel.Kernel, self sched.TaskID) {
		q, ok := ownQueue(k, self)
		if !ok {
			return
		}
		for {
			out(k.Receive(q))
		}
	}
}

// Spinner burns CPU, counting iterations into n. It only gives up the CPU
// when its quantum runs out.
func Spinner(n *atomic.Uint64) kernel.TaskFunc {
	return func(k *kernel.Kernel, _ sched.TaskID) {
		for {
			n.Add(1)
			k.Yield()
		}
	}
}
