// ABOUTME: Prometheus collectors for claims, transitions, sweeps and realtime delivery
// ABOUTME: All methods are safe on a nil *Metrics so callers can run without instrumentation

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "desk"

// Metrics owns a private registry and the engine's collectors.
type Metrics struct {
	registry *prometheus.Registry

	claims            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	sweepRuns         prometheus.Counter
	sweepAbandoned    *prometheus.CounterVec
	sweepFailures     prometheus.Counter
	sweepWarnings     prometheus.Counter
	sweepDuration     prometheus.Histogram
	realtimeEvents    *prometheus.CounterVec
	reloads           prometheus.Counter
	reloadSubscribers prometheus.Gauge
}

// New creates collectors registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Claim attempts by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Lifecycle transition attempts by edge and outcome.",
		}, []string{"from", "to", "outcome"}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Completed sweep passes.",
		}),
		sweepAbandoned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "abandoned_total",
			Help:      "Conversations abandoned by the sweeper, by prior status.",
		}, []string{"from"}),
		sweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "failures_total",
			Help:      "Per-row sweep failures that were logged and skipped.",
		}),
		sweepWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "inactivity_warnings_total",
			Help:      "Inactivity nudges recorded on idle active conversations.",
		}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "duration_seconds",
			Help:      "Wall time of a sweep pass.",
			Buckets:   prometheus.DefBuckets,
		}),
		realtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "events_total",
			Help:      "Bus events seen by the realtime dispatcher, by topic and result.",
		}, []string{"topic", "result"}),
		reloads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "reloads_total",
			Help:      "Reload signals handed to subscribers after coalescing.",
		}),
		reloadSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "realtime",
			Name:      "subscribers",
			Help:      "Currently registered reload subscribers.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.claims,
		m.transitions,
		m.sweepRuns,
		m.sweepAbandoned,
		m.sweepFailures,
		m.sweepWarnings,
		m.sweepDuration,
		m.realtimeEvents,
		m.reloads,
		m.reloadSubscribers,
	)
	return m
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveClaim counts a claim attempt.
func (m *Metrics) ObserveClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts a transition attempt.
func (m *Metrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, outcome).Inc()
}

// ObserveSweep records one completed pass.
func (m *Metrics) ObserveSweep(d time.Duration, failures, warnings int) {
	if m == nil {
		return
	}
	m.sweepRuns.Inc()
	m.sweepDuration.Observe(d.Seconds())
	m.sweepFailures.Add(float64(failures))
	m.sweepWarnings.Add(float64(warnings))
}

// ObserveAbandoned counts one sweeper abandonment.
func (m *Metrics) ObserveAbandoned(from string) {
	if m == nil {
		return
	}
	m.sweepAbandoned.WithLabelValues(from).Inc()
}

// ObserveRealtimeEvent counts a bus event by what the dispatcher did with it.
func (m *Metrics) ObserveRealtimeEvent(topic, result string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(topic, result).Inc()
}

// ObserveReload counts a delivered reload signal.
func (m *Metrics) ObserveReload() {
	if m == nil {
		return
	}
	m.reloads.Inc()
}

// AddReloadSubscribers adjusts the subscriber gauge.
func (m *Metrics) AddReloadSubscribers(delta int) {
	if m == nil {
		return
	}
	m.reloadSubscribers.Add(float64(delta))
}
