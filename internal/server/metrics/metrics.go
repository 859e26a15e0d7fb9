package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dockhandvm/dockhand/internal/server/eventbus"
	"github.com/dockhandvm/dockhand/internal/server/manager/events"
)

// Exporter turns bus traffic into Prometheus series. It consumes the same
// streams external clients do, so instrumenting costs the lifecycle paths
// nothing.
type Exporter struct {
	registry *prometheus.Registry
	logger   *slog.Logger

	stateGauge    *prometheus.GaugeVec
	serviceReady  prometheus.Gauge
	transitions   *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	logLines      prometheus.Counter
	droppedEvents prometheus.Counter
}

// knownStates drives the one-hot state gauge.
var knownStates = []string{"stopped", "initializing", "starting", "running", "stopping", "error"}

// New registers the collectors on a private registry.
func New(logger *slog.Logger) *Exporter {
	reg := prometheus.NewRegistry()
	e := &Exporter{
		registry: reg,
		logger:   logger,
		stateGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dockhand",
			Name:      "vm_state",
			Help:      "One-hot lifecycle state of the managed VM.",
		}, []string{"state"}),
		serviceReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dockhand",
			Name:      "vm_service_ready",
			Help:      "Whether the in-guest Docker engine answers health checks.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Name:      "vm_transitions_total",
			Help:      "Lifecycle transitions by destination state.",
		}, []string{"to"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Name:      "vm_errors_total",
			Help:      "Abnormal lifecycle outcomes by kind.",
		}, []string{"kind"}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dockhand",
			Name:      "vm_log_lines_total",
			Help:      "Guest console lines observed by the tailer.",
		}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dockhand",
			Name:      "events_dropped_total",
			Help:      "Events evicted from the exporter's subscription buffer.",
		}),
	}

	reg.MustRegister(e.stateGauge, e.serviceReady, e.transitions, e.errorsTotal, e.logLines, e.droppedEvents)
	for _, st := range knownStates {
		e.stateGauge.WithLabelValues(st).Set(0)
	}
	e.stateGauge.WithLabelValues("stopped").Set(1)
	return e
}

// Handler serves the scrape endpoint.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Run consumes bus events until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context, bus eventbus.Bus) error {
	sub, err := bus.Subscribe([]string{events.TopicState, events.TopicLogs, events.TopicErrors}, 256)
	if err != nil {
		return err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if env.Missed > 0 {
				e.droppedEvents.Add(float64(env.Missed))
			}
			e.observe(env)
		}
	}
}

func (e *Exporter) observe(env eventbus.Envelope) {
	switch payload := env.Payload.(type) {
	case events.StateChange:
		for _, st := range knownStates {
			val := 0.0
			if st == payload.State {
				val = 1.0
			}
			e.stateGauge.WithLabelValues(st).Set(val)
		}
		if payload.ServiceReady {
			e.serviceReady.Set(1)
		} else {
			e.serviceReady.Set(0)
		}
		e.transitions.WithLabelValues(payload.State).Inc()
	case events.Log:
		e.logLines.Inc()
	case events.Error:
		e.errorsTotal.WithLabelValues(payload.Kind).Inc()
	default:
		if e.logger != nil {
			e.logger.Debug("unrecognized event payload", "topic", env.Topic)
		}
	}
}
