// Package clock provides the injectable time source for the agent.
// All TTL, expiry, and scheduling logic consumes a Clock rather than
// calling time.Now directly, so tests control time.
package clock

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Wall is the production clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

// NowSeconds returns the clock's current time as epoch seconds.
func NowSeconds(c Clock) int64 { return c.Now().Unix() }

// NowMillis returns the clock's current time as epoch milliseconds.
func NowMillis(c Clock) int64 { return c.Now().UnixMilli() }
