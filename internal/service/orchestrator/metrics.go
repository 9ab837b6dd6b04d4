package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/muratgozel/deployment-server/internal/domain"
)

var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}

// Metrics records tick outcomes and deployment durations. A nil *Metrics is a no-op.
type Metrics struct {
	ticks       *prometheus.CounterVec
	deployments *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewMetrics registers the orchestrator collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployment_server",
			Subsystem: "worker",
			Name:      "ticks_total",
			Help:      "Orchestrator ticks by outcome",
		}, []string{"outcome"}),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deployment_server",
			Subsystem: "worker",
			Name:      "deployments_total",
			Help:      "Finished deployments by final status",
		}, []string{"status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deployment_server",
			Subsystem: "worker",
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of deployments from claim to outcome",
			Buckets:   durationBuckets,
		}, []string{"status"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.ticks, m.deployments, m.duration} {
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if c == m.ticks {
							m.ticks = existing
						} else {
							m.deployments = existing
						}
					case *prometheus.HistogramVec:
						m.duration = existing
					}
				}
			}
		}
	}
	return m
}

func (m *Metrics) tick(outcome string) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) deployment(status domain.Status, took time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(string(status)).Inc()
	m.duration.WithLabelValues(string(status)).Observe(took.Seconds())
}
