// Package monotonic provides a monotonic microsecond clock.
// The sequencer stamps every event with a value from this clock so that
// recorded_at timestamps never move backwards, even if the wall clock does.
package monotonic

import (
	"sync"
	"time"
)

// Clock generates strictly increasing microsecond timestamps and is safe for
// concurrent use.
type Clock struct {
	lk   sync.Mutex
	last int64
}

// NewClock creates a new Clock.
func NewClock() *Clock {
	return &Clock{}
}

// NowUS returns the current time as microseconds since the Unix epoch. If the
// wall clock has not advanced since the previous call, the previous value
// plus one is returned instead.
func (c *Clock) NowUS() int64 {
	c.lk.Lock()
	defer c.lk.Unlock()

	now := time.Now().UnixMicro()
	if now <= c.last {
		now = c.last + 1
	}
	c.last = now
	return now
}
