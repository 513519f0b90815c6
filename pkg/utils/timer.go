package utils

import (
	"sync"
	"time"
)

// CancelableTimer is a re-armable one-shot timer. Cancel and Arm are safe
// against a concurrently firing callback: a callback from a cancelled or
// superseded arming never runs.
type CancelableTimer struct {
	lock       sync.Mutex
	timer      *time.Timer
	generation uint64
}

func NewCancelableTimer() *CancelableTimer {
	return &CancelableTimer{}
}

// Arm schedules fn after d, cancelling any previous schedule.
func (c *CancelableTimer) Arm(d time.Duration, fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.generation++
	gen := c.generation
	c.timer = time.AfterFunc(d, func() {
		c.lock.Lock()
		live := c.generation == gen
		if live {
			c.timer = nil
		}
		c.lock.Unlock()
		if live {
			fn()
		}
	})
}

func (c *CancelableTimer) Cancel() {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.generation++
}

// IsArmed reports whether a schedule is pending.
func (c *CancelableTimer) IsArmed() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.timer != nil
}
