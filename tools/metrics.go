package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for tool execution.
// A nil *Metrics records nothing.
type Metrics struct {
	executions *prometheus.CounterVec
	approvals  *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	pending    prometheus.GaugeFunc
}

// NewMetrics registers tool execution collectors with reg.
func NewMetrics(reg prometheus.Registerer, pending func() float64) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsai",
			Subsystem: "tools",
			Name:      "executions_total",
			Help:      "Tool calls by outcome and execution location.",
		}, []string{"outcome", "location"}),
		approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsai",
			Subsystem: "tools",
			Name:      "approvals_total",
			Help:      "Approval round-trips by decision.",
		}, []string{"decision"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "bsai",
			Subsystem: "tools",
			Name:      "execution_duration_seconds",
			Help:      "Tool call duration including approval wait.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"location"}),
	}
	if pending != nil {
		m.pending = factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "bsai",
			Subsystem: "tools",
			Name:      "pending_requests",
			Help:      "Approval and remote execution requests awaiting a reply.",
		}, pending)
	}
	return m
}

func (m *Metrics) observe(r Result) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(string(r.Outcome), string(r.Location)).Inc()
	m.duration.WithLabelValues(string(r.Location)).Observe(r.Duration.Seconds())
}

func (m *Metrics) approval(decision string) {
	if m == nil {
		return
	}
	m.approvals.WithLabelValues(decision).Inc()
}
