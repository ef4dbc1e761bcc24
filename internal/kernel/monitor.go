// internal/kernel/monitor.go

package kernel

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Monitor prints the kernel event stream and optionally mirrors it to CSV.
type Monitor struct {
	out    io.Writer
	bootID string

	// logging-related
	csvFile   *os.File
	csvWriter *csv.Writer
}

// NewMonitor creates a monitor writing human-readable lines to out.
func NewMonitor(out io.Writer, bootID string) *Monitor {
	return &Monitor{out: out, bootID: bootID}
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Must be called before Run().
func (m *Monitor) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"boot_id", "timestamp", "tick", "event", "task_id", "level", "value"}); err != nil {
		f.Close()
		return err
	}
	w.Flush()
	m.csvFile = f
	m.csvWriter = w
	return nil
}

// Run consumes events until the stream is closed.
func (m *Monitor) Run(events <-chan Event) error {
	fmt.Fprintf(m.out, "boot %s\n", m.bootID)
	for ev := range events {
		m.handleEvent(ev)
	}

	if m.csvFile != nil {
		m.csvWriter.Flush()
		if err := m.csvWriter.Error(); err != nil {
			m.csvFile.Close()
			return err
		}
		return m.csvFile.Close()
	}
	return nil
}

func (m *Monitor) handleEvent(ev Event) {
	// an auxiliary function to center the event kind in the output
	center := func(str string, width int) string {
		spaces := int(float64(width-len(str)) / 2)
		return strings.Repeat(" ", spaces) + str + strings.Repeat(" ", width-(spaces+len(str)))
	}

	msg := fmt.Sprintf("%s = Tick: %07d [%s] => Task: %04d, Level: %2d, Value: %#08x",
		ev.Time.Format("Jan 02 15:04:05.000"),
		ev.Tick,
		center(ev.Kind.String(), 10),
		ev.Task,
		ev.Level,
		ev.Value,
	)
	fmt.Fprintln(m.out, msg)

	// CSV output
	if m.csvWriter != nil {
		rec := []string{
			m.bootID,
			ev.Time.Format(time.RFC3339Nano),
			strconv.FormatUint(uint64(ev.Tick), 10),
			ev.Kind.String(),
			strconv.FormatInt(int64(ev.Task), 10),
			strconv.Itoa(ev.Level),
			strconv.FormatUint(uint64(ev.Value), 10),
		}
		m.csvWriter.Write(rec)
		m.csvWriter.Flush()
	}
}
