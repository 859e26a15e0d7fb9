package readiness

import (
	"context"
	"time"
)

// Outcome is the terminal result of a readiness probe.
type Outcome string

const (
	// Ready means the guest service answered a health check.
	Ready Outcome = "ready"
	// TimedOut means the probe window elapsed without a successful check.
	TimedOut Outcome = "timed_out"
	// Aborted means the probe context was cancelled before a decision.
	Aborted Outcome = "aborted"
)

// Result describes how a probe concluded.
type Result struct {
	Outcome  Outcome
	Attempts int
	Elapsed  time.Duration
}

// Prober decides whether the service inside the guest is reachable.
type Prober interface {
	Probe(ctx context.Context) Result
}

// CheckFunc performs one health check attempt. A nil return means the
// service answered.
type CheckFunc func(ctx context.Context) error

// PollProber repeatedly runs a health check until it succeeds, the overall
// window expires, or the context is cancelled.
type PollProber struct {
	Check    CheckFunc
	Interval time.Duration
	Window   time.Duration
}

// NewPollProber returns a prober with the given per-attempt interval and
// overall window.
func NewPollProber(check CheckFunc, interval, window time.Duration) *PollProber {
	return &PollProber{Check: check, Interval: interval, Window: window}
}

// Probe runs health checks until a terminal outcome. Each attempt gets its
// own deadline bounded by the probe interval so a hung check cannot stall
// the loop.
func (p *PollProber) Probe(ctx context.Context) Result {
	interval := p.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	window := p.Window
	if window <= 0 {
		window = 60 * time.Second
	}

	start := time.Now()
	deadline := start.Add(window)
	attempts := 0

	for {
		if ctx.Err() != nil {
			return Result{Outcome: Aborted, Attempts: attempts, Elapsed: time.Since(start)}
		}

		attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, interval)
		err := p.Check(attemptCtx)
		cancel()
		if err == nil {
			return Result{Outcome: Ready, Attempts: attempts, Elapsed: time.Since(start)}
		}

		if time.Now().After(deadline) {
			return Result{Outcome: TimedOut, Attempts: attempts, Elapsed: time.Since(start)}
		}

		select {
		case <-ctx.Done():
			return Result{Outcome: Aborted, Attempts: attempts, Elapsed: time.Since(start)}
		case <-time.After(interval):
		}
	}
}

var _ Prober = (*PollProber)(nil)
