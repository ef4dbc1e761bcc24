// internal/kerr/errors.go

package kerr

import "errors"

var (
	// ErrExhausted means a fixed table (tasks, timers, free blocks) has no room left.
	ErrExhausted = errors.New("exhausted")
	// ErrOverrun means a queue was full and the token was dropped.
	ErrOverrun = errors.New("queue overrun")
	// ErrEmpty means a queue had nothing to pop.
	ErrEmpty = errors.New("queue empty")
	// ErrLostFree means freed memory could not be recorded and is gone for good.
	ErrLostFree = errors.New("lost free")
	// ErrBadRange means an address range wraps past 4 GiB or collides with another.
	ErrBadRange = errors.New("bad address range")
)

// IsRefused reports whether err should be shown to the user as "operation refused".
func IsRefused(err error) bool {
	return errors.Is(err, ErrExhausted)
}
