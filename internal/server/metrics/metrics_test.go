package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
)

func TestObserveStateChange(t *testing.T) {
	e := New(nil)

	e.observe(eventbus.Envelope{
		Topic: events.TopicState,
		Payload: events.StateChange{
			State:        "running",
			ServiceReady: true,
			Timestamp:    time.Now(),
		},
	})

	if got := testutil.ToFloat64(e.stateGauge.WithLabelValues("running")); got != 1 {
		t.Fatalf("running gauge: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(e.stateGauge.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped gauge: expected 0, got %v", got)
	}
	if got := testutil.ToFloat64(e.serviceReady); got != 1 {
		t.Fatalf("service ready gauge: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(e.transitions.WithLabelValues("running")); got != 1 {
		t.Fatalf("transitions counter: expected 1, got %v", got)
	}
}

func TestObserveErrorsAndLogs(t *testing.T) {
	e := New(nil)

	e.observe(eventbus.Envelope{Topic: events.TopicErrors, Payload: events.Error{Kind: events.ErrKindSpawn}})
	e.observe(eventbus.Envelope{Topic: events.TopicLogs, Payload: events.Log{Text: "boot"}})
	e.observe(eventbus.Envelope{Topic: events.TopicLogs, Payload: events.Log{Text: "done"}})

	if got := testutil.ToFloat64(e.errorsTotal.WithLabelValues(events.ErrKindSpawn)); got != 1 {
		t.Fatalf("errors counter: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(e.logLines); got != 2 {
		t.Fatalf("log lines counter: expected 2, got %v", got)
	}
}
