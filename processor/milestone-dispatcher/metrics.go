package milestonedispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for milestone scheduling.
// A nil *Metrics records nothing.
type Metrics struct {
	started  prometheus.Counter
	finished *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics registers scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		started: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bsai",
			Subsystem: "scheduler",
			Name:      "milestones_started_total",
			Help:      "Milestones handed to an executor.",
		}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bsai",
			Subsystem: "scheduler",
			Name:      "milestones_finished_total",
			Help:      "Milestones reaching a terminal status, by outcome.",
		}, []string{"outcome"}),
		inFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bsai",
			Subsystem: "scheduler",
			Name:      "milestones_in_flight",
			Help:      "Milestones currently executing.",
		}),
	}
}

func (m *Metrics) start() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.inFlight.Inc()
}

func (m *Metrics) done() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func (m *Metrics) finish(outcome string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(outcome).Inc()
}
