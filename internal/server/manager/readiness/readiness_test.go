package readiness

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProbeReadyAfterRetries(t *testing.T) {
	calls := 0
	check := func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	p := NewPollProber(check, 5*time.Millisecond, time.Second)
	res := p.Probe(context.Background())
	if res.Outcome != Ready {
		t.Fatalf("expected ready, got %s", res.Outcome)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestProbeTimesOut(t *testing.T) {
	check := func(context.Context) error { return errors.New("connection refused") }

	p := NewPollProber(check, 5*time.Millisecond, 25*time.Millisecond)
	res := p.Probe(context.Background())
	if res.Outcome != TimedOut {
		t.Fatalf("expected timed_out, got %s", res.Outcome)
	}
	if res.Attempts == 0 {
		t.Fatal("expected at least one attempt")
	}
}

func TestProbeAbortedByCancel(t *testing.T) {
	check := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	p := NewPollProber(check, 50*time.Millisecond, 10*time.Second)
	res := p.Probe(ctx)
	if res.Outcome != Aborted {
		t.Fatalf("expected aborted, got %s", res.Outcome)
	}
}

func TestProbeAbortedBeforeFirstAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPollProber(func(context.Context) error { return nil }, time.Second, time.Minute)
	res := p.Probe(ctx)
	if res.Outcome != Aborted {
		t.Fatalf("expected aborted, got %s", res.Outcome)
	}
	if res.Attempts != 0 {
		t.Fatalf("expected zero attempts, got %d", res.Attempts)
	}
}
