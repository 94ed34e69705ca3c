// Package metrics exposes the service's Prometheus instrumentation. All
// record methods are nil-receiver safe so instrumented code never has to
// guard against a disabled collector.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles the collectors for turns, tool calls, model usage and
// store contention.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal       *prometheus.CounterVec
	turnDuration     prometheus.Histogram
	toolCallsTotal   *prometheus.CounterVec
	modelTokensTotal *prometheus.CounterVec
	storeBusyRetries prometheus.Counter
}

// New creates the collectors on a fresh registry, alongside the standard
// process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatkit_turns_total",
			Help: "Completed turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatkit_turn_duration_seconds",
			Help:    "Wall-clock duration of a full turn.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatkit_tool_calls_total",
			Help: "Tool invocations by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		modelTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatkit_model_tokens_total",
			Help: "Token usage reported by the model provider.",
		}, []string{"direction"}),
		storeBusyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatkit_store_busy_retries_total",
			Help: "Write transactions retried due to contention.",
		}),
	}
	m.registry.MustRegister(
		m.turnsTotal,
		m.turnDuration,
		m.toolCallsTotal,
		m.modelTokensTotal,
		m.storeBusyRetries,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTurn records one finished turn.
func (m *Metrics) ObserveTurn(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnsTotal.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(seconds)
}

// CountToolCall records one tool invocation.
func (m *Metrics) CountToolCall(tool, outcome string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

// AddTokens records provider-reported token usage.
func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	if input > 0 {
		m.modelTokensTotal.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.modelTokensTotal.WithLabelValues("output").Add(float64(output))
	}
}

// CountBusyRetry records one store write retry due to contention.
func (m *Metrics) CountBusyRetry() {
	if m == nil {
		return
	}
	m.storeBusyRetries.Inc()
}
