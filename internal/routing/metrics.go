package routing

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var proxyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

type proxyMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func newProxyMetrics() *proxyMetrics {
	m := &proxyMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the application proxy",
		}, []string{"application", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shipyard",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied requests",
			Buckets:   proxyBuckets,
		}, []string{"application"}),
	}
	if err := prometheus.Register(m.requests); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.requests = existing
			}
		}
	}
	if err := prometheus.Register(m.latency); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.latency = existing
			}
		}
	}
	return m
}

func (m *proxyMetrics) observe(application string, status int, duration time.Duration) {
	if application == "" {
		application = "unrouted"
	}
	m.requests.WithLabelValues(application, strconv.Itoa(status)).Inc()
	if duration > 0 {
		m.latency.WithLabelValues(application).Observe(duration.Seconds())
	}
}
