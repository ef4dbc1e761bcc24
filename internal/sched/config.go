package sched

// Config sizes the scheduler's fixed tables.
type Config struct {
	MaxTasks         int    // task table slots
	MaxLevels        int    // priority tiers
	MaxTasksPerLevel int    // ready list capacity of one tier
	DefaultQuantum   uint32 // ticks given to a task that never set its own
}

// DefaultConfig mirrors the boot constants of the kernel.
func DefaultConfig() Config {
	return Config{
		MaxTasks:         1000,
		MaxLevels:        10,
		MaxTasksPerLevel: 100,
		DefaultQuantum:   2,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.MaxTasks <= 0 {
		c.MaxTasks = def.MaxTasks
	}
	if c.MaxLevels <= 0 {
		c.MaxLevels = def.MaxLevels
	}
	if c.MaxTasksPerLevel <= 0 {
		c.MaxTasksPerLevel = def.MaxTasksPerLevel
	}
	if c.DefaultQuantum == 0 {
		c.DefaultQuantum = def.DefaultQuantum
	}
	return c
}
