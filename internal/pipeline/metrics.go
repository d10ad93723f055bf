package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var buildBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

type metrics struct {
	results  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "pipeline",
			Name:      "deployments_total",
			Help:      "Deployment outcomes by build type",
		}, []string{"build_type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "pipeline",
			Name:      "deployment_duration_seconds",
			Help:      "Time from job claim to live or failed",
			Buckets:   buildBuckets,
		}, []string{"build_type"}),
	}
	for _, collector := range []prometheus.Collector{m.results, m.duration} {
		if err := prometheus.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch existing := already.ExistingCollector.(type) {
				case *prometheus.CounterVec:
					m.results = existing
				case *prometheus.HistogramVec:
					m.duration = existing
				}
			}
		}
	}
	return m
}

func (m *metrics) record(buildType, outcome string, elapsed time.Duration) {
	if buildType == "" {
		buildType = "unknown"
	}
	m.results.WithLabelValues(buildType, outcome).Inc()
	m.duration.WithLabelValues(buildType).Observe(elapsed.Seconds())
}
