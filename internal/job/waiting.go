package job

import (
	"fmt"

	"tickos/internal/fifo"
	"tickos/internal/kernel"
)

// wakeToken marks the timer delivery Wait is looking for.
const wakeToken = 0xffff_fff0

// Wait blocks the calling task for the given number of ticks. q must be bound
// to the caller; tokens other than the wake-up that arrive meanwhile are dropped.
func Wait(k *kernel.Kernel, q fifo.QueueID, ticks uint32) error {
	tm, err := k.AllocTimer()
	if err != nil {
		return fmt.Errorf("wait %d ticks: %w", ticks, err)
	}
	defer k.FreeTimer(tm)

	k.BindTimer(tm, q, wakeToken)
	k.ArmTimer(tm, ticks)
	for k.Receive(q) != wakeToken {
	}
	return nil
}
