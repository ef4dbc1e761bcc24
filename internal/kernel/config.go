package kernel

import (
	"fmt"
	"math"
	"os"
	"sort"

	yaml "github.com/goccy/go-yaml"

	"tickos/internal/kerr"
	"tickos/internal/sched"
)

// maxSlots bounds every table and queue so its arena reservation fits in 32 bits.
const maxSlots = 1 << 20

// Region is one range of physical memory handed to the arena at boot.
type Region struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

// Config mirrors config.yml. Every value is a boot-time constant.
type Config struct {
	TickMS            int      `yaml:"tick_ms"`             // 10 (~100 Hz)
	MaxTasks          int      `yaml:"max_tasks"`           // 1000
	MaxLevels         int      `yaml:"max_levels"`          // 10
	MaxTasksPerLevel  int      `yaml:"max_tasks_per_level"` // 100
	DefaultQuantum    uint32   `yaml:"default_quantum"`     // 2 ticks
	MaxTimers         int      `yaml:"max_timers"`          // 500, sentinel included
	MaxFrees          int      `yaml:"max_frees"`           // 4090
	HardwareQueueSize int      `yaml:"hardware_queue_size"` // 32
	TaskQueueSize     int      `yaml:"task_queue_size"`     // 128
	StackSize         uint32   `yaml:"stack_size"`          // 64 KiB
	EventBuffer       int      `yaml:"event_buffer"`        // 256
	Arena             []Region `yaml:"arena"`
}

// If the config file is not found, we use default values
func defaultConfig() Config {
	return Config{
		TickMS:            10,
		MaxTasks:          1000,
		MaxLevels:         10,
		MaxTasksPerLevel:  100,
		DefaultQuantum:    2,
		MaxTimers:         500,
		MaxFrees:          4090,
		HardwareQueueSize: 32,
		TaskQueueSize:     128,
		StackSize:         64 * 1024,
		EventBuffer:       256,
		Arena: []Region{
			{Base: 0x00001000, Size: 0x0009e000},
			{Base: 0x00400000, Size: 28 << 20},
		},
	}
}

// DefaultConfig returns the built-in boot constants.
func DefaultConfig() Config {
	return defaultConfig()
}

// Load reads YAML and overrides defaults; empty path = defaults only
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}

	_ = yaml.Unmarshal(data, &cfg)
	return cfg.sanitize()
}

// sanitize clamps values that would leave the kernel unable to boot.
func (c Config) sanitize() Config {
	def := defaultConfig()
	if c.TickMS < 0 {
		c.TickMS = def.TickMS
	}
	if c.MaxTasks < 2 {
		// boot task plus idle task
		c.MaxTasks = 2
	}
	if c.MaxTasks > maxSlots {
		c.MaxTasks = maxSlots
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = def.MaxLevels
	}
	if c.MaxTasksPerLevel <= 0 || c.MaxTasksPerLevel > c.MaxTasks {
		c.MaxTasksPerLevel = c.MaxTasks
	}
	if c.DefaultQuantum == 0 {
		c.DefaultQuantum = def.DefaultQuantum
	}
	if c.MaxTimers < 2 {
		// quantum timer plus sentinel
		c.MaxTimers = 2
	}
	if c.MaxTimers > maxSlots {
		c.MaxTimers = maxSlots
	}
	if c.MaxFrees <= 0 {
		c.MaxFrees = def.MaxFrees
	}
	if c.HardwareQueueSize <= 0 || c.HardwareQueueSize > maxSlots {
		c.HardwareQueueSize = def.HardwareQueueSize
	}
	if c.TaskQueueSize <= 0 || c.TaskQueueSize > maxSlots {
		c.TaskQueueSize = def.TaskQueueSize
	}
	if c.StackSize == 0 {
		c.StackSize = def.StackSize
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = def.EventBuffer
	}
	if len(c.Arena) == 0 {
		c.Arena = def.Arena
	}
	return c
}

// checkArena reports regions that run past 4 GiB or overlap each other.
func (c Config) checkArena() error {
	regions := make([]Region, 0, len(c.Arena))
	for _, r := range c.Arena {
		if r.Size == 0 {
			continue
		}
		if uint64(r.Base)+uint64(r.Size) > math.MaxUint32 {
			return fmt.Errorf("arena region %#x+%#x: %w", r.Base, r.Size, kerr.ErrBadRange)
		}
		regions = append(regions, r)
	}
	sort.Slice(regions, func(i, j int) bool { return regions[i].Base < regions[j].Base })
	for i := 1; i < len(regions); i++ {
		prev, cur := regions[i-1], regions[i]
		if prev.Base+prev.Size > cur.Base {
			return fmt.Errorf("arena region %#x+%#x overlaps %#x+%#x: %w",
				cur.Base, cur.Size, prev.Base, prev.Size, kerr.ErrBadRange)
		}
	}
	return nil
}

func (c Config) schedConfig() sched.Config {
	return sched.Config{
		MaxTasks:         c.MaxTasks,
		MaxLevels:        c.MaxLevels,
		MaxTasksPerLevel: c.MaxTasksPerLevel,
		DefaultQuantum:   c.DefaultQuantum,
	}
}
