// Package fallback tracks verdict-service health and flips the engine into
// a time-boxed degraded mode when the service is slow or no user identity
// has been resolved. While in fallback the decision service makes no remote
// calls and the integration layer applies the uniform fallback policy.
package fallback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/schoolnet-labs/warden/pkg/clock"
)

const (
	// Window is how long one fallback activation lasts.
	Window = 120 * time.Second
	// sampleCap bounds the latency ring buffer.
	sampleCap = 10
	// MaxSampleMillis caps an individual recorded latency.
	MaxSampleMillis = 10000
	// TriggerMeanMillis is the rolling average above which fallback engages.
	TriggerMeanMillis = 5000
)

// Controller owns the fallback decision. All operations are infallible;
// inputs are assumed well-formed.
type Controller struct {
	mu            sync.Mutex
	clock         clock.Clock
	logger        *slog.Logger
	fallbackUntil int64 // epoch ms, 0 = inactive
	noIdentity    bool
	unsupported   bool
	samples       [sampleCap]int64
	count         int // number of live samples, <= sampleCap
	next          int // ring write index
}

func NewController(c clock.Clock) *Controller {
	return &Controller{
		clock:  c,
		logger: slog.Default().With("component", "fallback"),
	}
}

// IsFallback reports whether the engine is degraded: the fallback window is
// open, no user identity is resolved, or the fleet minimum agent version
// rules this build out.
func (c *Controller) IsFallback() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isFallbackLocked()
}

func (c *Controller) isFallbackLocked() bool {
	return c.fallbackUntil > c.clock.Now().UnixMilli() || c.noIdentity || c.unsupported
}

// RecordLatency pushes one round-trip sample, replacing the oldest when the
// ring is full. Samples are capped at MaxSampleMillis. When the rolling
// average exceeds TriggerMeanMillis the controller triggers fallback.
func (c *Controller) RecordLatency(ms int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ms > MaxSampleMillis {
		ms = MaxSampleMillis
	}
	if ms < 0 {
		ms = 0
	}
	c.samples[c.next] = ms
	c.next = (c.next + 1) % sampleCap
	if c.count < sampleCap {
		c.count++
	}

	if avg := c.averageLocked(); avg > TriggerMeanMillis {
		c.triggerLocked()
	}
}

// Trigger opens the fallback window immediately.
func (c *Controller) Trigger() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.triggerLocked()
}

func (c *Controller) triggerLocked() {
	until := c.clock.Now().Add(Window)
	c.fallbackUntil = until.UnixMilli()
	// Clear the ring so the rolling average restarts clean after the window.
	c.samples = [sampleCap]int64{}
	c.count = 0
	c.next = 0
	c.logger.Warn("entering fallback mode", "retry_at", until)
}

// SetNoIdentity toggles the hard identity override. It is independent of
// the timer: clearing it un-forces fallback only once the window has also
// elapsed.
func (c *Controller) SetNoIdentity(noIdentity bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.noIdentity = noIdentity
}

// SetUnsupported toggles the version override: an agent older than the
// fleet's configured minimum stays degraded until a refresh clears it.
func (c *Controller) SetUnsupported(unsupported bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unsupported && !c.unsupported {
		c.logger.Warn("agent version below fleet minimum, forcing fallback")
	}
	c.unsupported = unsupported
}

// AverageLatency returns the rolling average over the live samples, in
// milliseconds. Zero when no samples are recorded.
func (c *Controller) AverageLatency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.averageLocked()
}

func (c *Controller) averageLocked() float64 {
	if c.count == 0 {
		return 0
	}
	var total int64
	for i := 0; i < c.count; i++ {
		total += c.samples[i]
	}
	return float64(total) / float64(c.count)
}
