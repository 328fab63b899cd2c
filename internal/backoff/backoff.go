// Package backoff computes reconnect delays and owns the per-connection
// reconnect schedule. Each client holds its own Reconnector so that two
// connections never share an attempt counter.
package backoff

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultBase = 2 * time.Second
	DefaultCap  = 30 * time.Second
)

// Policy is an exponential backoff capped at Cap.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultPolicy is min(2s * 2^n, 30s).
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap}
}

// Delay returns min(Base * 2^attempt, Cap). Negative attempts are
// treated as zero.
func (p Policy) Delay(attempt int) time.Duration {
	base, limit := p.Base, p.Cap
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}

// Delay is DefaultPolicy().Delay(attempt).
func Delay(attempt int) time.Duration {
	return DefaultPolicy().Delay(attempt)
}

// ScheduleFunc runs f after d and returns a function that cancels the
// pending call. time.AfterFunc is the production implementation.
type ScheduleFunc func(d time.Duration, f func()) (stop func() bool)

// AfterFunc adapts time.AfterFunc to ScheduleFunc.
func AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Reconnector is the reconnect state machine of one connection: attempt
// counter, enabled flag and at most one pending timer.
type Reconnector struct {
	name     string
	policy   Policy
	schedule ScheduleFunc
	logger   *slog.Logger

	mu      sync.Mutex
	attempt int
	enabled bool
	stop    func() bool
}

// NewReconnector returns an enabled Reconnector. A nil schedule uses
// time.AfterFunc.
func NewReconnector(name string, policy Policy, schedule ScheduleFunc, logger *slog.Logger) *Reconnector {
	if schedule == nil {
		schedule = AfterFunc
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		name:     name,
		policy:   policy,
		schedule: schedule,
		logger:   logger,
		enabled:  true,
	}
}

// Schedule arranges for fn to run after the current backoff delay and
// then increments the attempt counter. It returns false when
// reconnection is disabled. A pending timer is replaced. fn is skipped
// if reconnection was disabled between scheduling and firing.
func (r *Reconnector) Schedule(fn func()) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return 0, false
	}
	if r.stop != nil {
		r.stop()
	}

	delay := r.policy.Delay(r.attempt)
	r.attempt++
	attempt := r.attempt
	r.stop = r.schedule(delay, func() {
		if !r.Enabled() {
			return
		}
		fn()
	})

	r.logger.Info("reconnect scheduled", "conn", r.name, "attempt", attempt, "delay", delay)
	return delay, true
}

// Reset zeroes the attempt counter after a successful connect.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempt = 0
	r.stop = nil
	r.mu.Unlock()
}

// Disable stops any pending timer and refuses further scheduling.
func (r *Reconnector) Disable() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = false
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
}

// Enabled reports whether reconnection is still allowed.
func (r *Reconnector) Enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Attempt returns the number of reconnects scheduled since the last
// successful connect.
func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}
