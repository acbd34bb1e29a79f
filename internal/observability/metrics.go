// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"token-trader/internal/analyzer"
	"token-trader/internal/execution"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	registry *prometheus.Registry

	// Analyzer metrics
	TicksTotal         *prometheus.CounterVec
	TickDuration       prometheus.Histogram
	BatchSize          prometheus.Histogram
	EnrichmentFailures prometheus.Counter
	Dispatched         *prometheus.CounterVec
	LastTick           prometheus.Gauge

	// Execution metrics
	Executions       *prometheus.CounterVec
	ExecutionLatency *prometheus.HistogramVec
	Archived         *prometheus.CounterVec
	OpenPositions    prometheus.Gauge
}

// NewMetrics creates a Metrics instance on its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_trader"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		TicksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "ticks_total",
			Help:      "Total number of analyzer ticks by result",
		}, []string{"result"}),
		TickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "tick_duration_seconds",
			Help:      "Analyzer tick duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "batch_size",
			Help:      "Assets selected per tick",
			Buckets:   []float64{0, 1, 5, 10, 20, 30, 50, 100},
		}),
		EnrichmentFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "enrichment_failures_total",
			Help:      "Assets whose enrichment failed in a tick",
		}),
		Dispatched: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "dispatched_total",
			Help:      "Executions dispatched by action",
		}, []string{"action"}),
		LastTick: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analyzer",
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix time of the last completed tick",
		}),

		Executions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "executions_total",
			Help:      "Finished executions by action, final state and error class",
		}, []string{"action", "state", "class"}),
		ExecutionLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "latency_seconds",
			Help:      "Execution latency in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"action"}),
		Archived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "archived_total",
			Help:      "Assets archived by the action that archived them",
		}, []string{"action"}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "open_positions",
			Help:      "Open positions in the journal",
		}),
	}
}

// ObserveTick implements analyzer.Observer.
func (m *Metrics) ObserveTick(r analyzer.Report) {
	result := "ok"
	switch {
	case r.Skipped:
		result = "skipped"
	case r.SourceDown:
		result = "source_down"
	}
	m.TicksTotal.WithLabelValues(result).Inc()
	if r.Skipped {
		return
	}
	m.TickDuration.Observe(r.Duration.Seconds())
	m.BatchSize.Observe(float64(r.Batch))
	m.EnrichmentFailures.Add(float64(r.Failed))
	m.Dispatched.WithLabelValues(string(execution.ActionEnter)).Add(float64(r.Entries))
	m.Dispatched.WithLabelValues(string(execution.ActionExit)).Add(float64(r.Exits))
	m.Dispatched.WithLabelValues(string(execution.ActionArchive)).Add(float64(r.Archives))
	m.LastTick.Set(float64(r.At.Unix()))
}

// OnResult implements execution.Listener.
func (m *Metrics) OnResult(_ context.Context, r execution.Result) {
	class := string(r.Class)
	if class == "" {
		class = "none"
	}
	m.Executions.WithLabelValues(string(r.Action), string(r.State), class).Inc()
	m.ExecutionLatency.WithLabelValues(string(r.Action)).Observe(r.Duration.Seconds())
	if r.Archived {
		m.Archived.WithLabelValues(string(r.Action)).Inc()
	}
	if r.OK() && r.Position != nil {
		if r.Position.Open() {
			m.OpenPositions.Inc()
		} else {
			m.OpenPositions.Dec()
		}
	}
}

// SetOpenPositions seeds the open-position gauge, e.g. at startup.
func (m *Metrics) SetOpenPositions(n int) {
	m.OpenPositions.Set(float64(n))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	_ analyzer.Observer  = (*Metrics)(nil)
	_ execution.Listener = (*Metrics)(nil)
)
