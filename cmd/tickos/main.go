package main

import (
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"tickos/internal/fifo"
	"tickos/internal/job"
	"tickos/internal/kernel"
	"tickos/internal/sched"
)

const blinkPeriod = 50

func main() {
	configPath := flag.String("config", "config.yml", "kernel configuration file")
	ticks := flag.Uint("ticks", 300, "timer ticks to run before shutting down")
	csvPath := flag.String("csv", "", "mirror the event stream to this CSV file")
	flag.Parse()

	// Read the configuration
	cfg := kernel.Load(*configPath)
	if cfg.TickMS == 0 {
		// nothing else would raise timer interrupts
		cfg.TickMS = kernel.DefaultConfig().TickMS
	}

	k, err := kernel.Boot(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Loaded config: %+v\n", k.Config())

	mon := kernel.NewMonitor(os.Stdout, k.BootID())
	if *csvPath != "" {
		if err := mon.EnableCSVLogging(*csvPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	monDone := make(chan error, 1)
	go func() { monDone <- mon.Run(k.Events()) }()

	var blinks atomic.Uint64
	console := mustSpawn(k, job.Blinker(blinkPeriod, func(on bool) {
		if on {
			blinks.Add(1)
		}
	}))
	must(k.NewQueue(0, console))
	k.Run(console, 1, 0)

	// the echo task owns the keyboard queue
	keys := must(k.NewHardwareQueue())
	echo := mustSpawn(k, job.Echo(func(tok uint32) {
		fmt.Printf("key %q\n", rune(tok-job.KeyOffset))
	}))
	k.BindOwner(keys, echo)
	k.Run(echo, 1, 0)

	var spins [2]atomic.Uint64
	var spinners []sched.TaskID
	for i := range spins {
		id := mustSpawn(k, job.Spinner(&spins[i]))
		k.Run(id, 2, 0)
		spinners = append(spinners, id)
	}

	inbox := must(k.NewQueue(0, k.BootTask()))

	stop := make(chan struct{})
	irqDone := make(chan struct{})
	go keyboard(k, keys, "hello, tickos\n", stop, irqDone)

	k.Start()
	if err := job.Wait(k, inbox, uint32(*ticks)); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	close(stop)
	<-irqDone

	st := k.MemStats()
	fmt.Printf("ticks: %d (%d interrupts raised)\n", k.Ticks(), k.Interrupts())
	fmt.Printf("memory: free %d bytes in %d blocks (peak %d), lost %d bytes in %d frees\n",
		st.Total, st.Blocks, st.PeakBlocks, st.LostSize, st.Losts)
	fmt.Printf("console task %d: %d blinks\n", console, blinks.Load())
	for i, id := range spinners {
		t := k.Task(id)
		fmt.Printf("spinner task %d: level %d, quantum %d, %d iterations\n", id, t.Level, t.Quantum, spins[i].Load())
	}
	for lv, ids := range k.ReadyLists() {
		if len(ids) > 0 {
			fmt.Printf("level %d: %v\n", lv, ids)
		}
	}
	fmt.Printf("keyboard overrun: %v, dropped events: %d\n", k.Overrun(keys), k.DroppedEvents())

	k.Shutdown()
	if err := <-monDone; err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func mustSpawn(k *kernel.Kernel, entry kernel.TaskFunc) sched.TaskID {
	return must(k.Spawn(entry))
}

func must[T any](v T, err error) T {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return v
}

// keyboard stands in for the keyboard interrupt: one key per 30ms.
func keyboard(k *kernel.Kernel, q fifo.QueueID, text string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(30 * time.Millisecond)
	defer t.Stop()
	for i := 0; ; i = (i + 1) % len(text) {
		select {
		case <-stop:
			return
		case <-t.C:
			_ = k.Push(q, job.KeyOffset+uint32(text[i]))
		}
	}
}
