// internal/kernel/pit.go

package kernel

import (
	"sync"
	"sync/atomic"
	"time"
)

// PIT is the programmable interval timer: it raises the timer interrupt at a
// fixed rate and counts how many it raised.
type PIT struct {
	count atomic.Int64
	stop  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// NewPIT creates a stopped timer.
func NewPIT() *PIT {
	return &PIT{stop: make(chan struct{})}
}

// Start begins raising irq at the given interval.
func (p *PIT) Start(interval time.Duration, irq func()) {
	ticker := time.NewTicker(interval)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.count.Add(1)
				irq()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop silences the timer and waits for an interrupt in flight to finish.
func (p *PIT) Stop() {
	p.once.Do(func() { close(p.stop) })
	p.wg.Wait()
}

// Count returns the number of interrupts raised.
func (p *PIT) Count() int64 {
	return p.count.Load()
}
