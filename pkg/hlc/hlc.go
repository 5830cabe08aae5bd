package hlc

import (
	"sync"
	"time"
)

// Clock is a hybrid logical clock. Timestamps are packed into an int64:
//   - high 48 bits: physical time in milliseconds since the Unix epoch
//   - low 16 bits: logical counter
//
// Now never returns the same value twice and never goes backwards, even when
// the wall clock does.
type Clock struct {
	mu     sync.Mutex
	latest int64
}

const (
	logicalMask = 0xFFFF
	logicalBits = 16
)

// New creates a clock starting at zero.
func New() *Clock {
	return &Clock{}
}

// Now returns the next timestamp, strictly greater than every timestamp this
// clock has returned or observed so far.
func (c *Clock) Now() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	var newPhys, newLogical int64
	if phys > oldPhys {
		newPhys = phys
	} else {
		// Wall clock stalled or went backwards: bump the logical counter.
		newPhys = oldPhys
		newLogical = oldLogical + 1
	}
	if newLogical > logicalMask {
		// Counter overflow borrows one physical millisecond.
		newPhys++
		newLogical = 0
	}

	c.latest = (newPhys << logicalBits) | newLogical
	return c.latest
}

// Observe folds a timestamp received from a remote peer into the clock, so
// that subsequent Now calls dominate everything both sides have seen.
func (c *Clock) Observe(remote int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	phys := time.Now().UnixMilli()
	remotePhys := remote >> logicalBits
	remoteLogical := remote & logicalMask
	oldPhys := c.latest >> logicalBits
	oldLogical := c.latest & logicalMask

	newPhys := oldPhys
	if remotePhys > newPhys {
		newPhys = remotePhys
	}
	if phys > newPhys {
		newPhys = phys
	}

	var newLogical int64
	switch {
	case newPhys == oldPhys && newPhys == remotePhys:
		if oldLogical > remoteLogical {
			newLogical = oldLogical + 1
		} else {
			newLogical = remoteLogical + 1
		}
	case newPhys == oldPhys:
		newLogical = oldLogical + 1
	case newPhys == remotePhys:
		newLogical = remoteLogical + 1
	}
	if newLogical > logicalMask {
		newPhys++
		newLogical = 0
	}

	c.latest = (newPhys << logicalBits) | newLogical
}

// Physical returns the physical half of a packed timestamp in Unix millis.
func Physical(ts int64) int64 {
	return ts >> logicalBits
}

// Logical returns the logical counter half of a packed timestamp.
func Logical(ts int64) int16 {
	return int16(ts & logicalMask)
}

// Compare returns 1 if a > b, -1 if a < b, 0 if equal.
func Compare(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
