package agent

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/floegence/redeven-research/internal/usage"
)

// Metrics exposes Prometheus collectors for run activity. A nil *Metrics
// records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	runsActive  prometheus.Gauge
	toolCalls   *prometheus.CounterVec
	subagents   *prometheus.CounterVec
	tokens      *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the global registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg and panics on conflict.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Finished runs by kind and terminal state.",
		}, []string{"kind", "state"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "run_duration_seconds",
			Help:      "Wall time from run start to terminal event.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "runs_active",
			Help:      "Runs currently executing, children included.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "tool_calls_total",
			Help:      "Tool calls by tool and status.",
		}, []string{"tool", "status"}),
		subagents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "subagent_executions_total",
			Help:      "Subagent executions by final status.",
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redeven_research",
			Subsystem: "agent",
			Name:      "tokens_total",
			Help:      "Tokens consumed by ledger target and direction.",
		}, []string{"target", "direction"}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.runsActive, m.toolCalls, m.subagents, m.tokens)
	return m
}

func runKind(child bool) string {
	if child {
		return "subagent"
	}
	return "primary"
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.runsActive.Inc()
}

func (m *Metrics) runFinished(child bool, state State, started time.Time) {
	if m == nil {
		return
	}
	m.runsActive.Dec()
	m.runs.WithLabelValues(runKind(child), string(state)).Inc()
	m.runDuration.WithLabelValues(runKind(child)).Observe(time.Since(started).Seconds())
}

func (m *Metrics) toolCall(tool string, status string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, status).Inc()
}

func (m *Metrics) subagent(status string) {
	if m == nil {
		return
	}
	m.subagents.WithLabelValues(status).Inc()
}

func (m *Metrics) addTokens(target usage.Target, u usage.Usage) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(string(target), "input").Add(float64(u.InputTokens))
	m.tokens.WithLabelValues(string(target), "output").Add(float64(u.OutputTokens))
}
