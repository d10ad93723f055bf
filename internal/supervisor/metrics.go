package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	memory   *prometheus.GaugeVec
	cpu      *prometheus.GaugeVec
	crashes  *prometheus.CounterVec
	restarts *prometheus.CounterVec
	active   prometheus.Gauge
}

func newMetrics() *metrics {
	m := &metrics{
		memory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "supervisor",
			Name:      "app_memory_bytes",
			Help:      "Resident memory of application processes",
		}, []string{"application"}),
		cpu: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "supervisor",
			Name:      "app_cpu_percent",
			Help:      "CPU usage of application processes",
		}, []string{"application"}),
		crashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "supervisor",
			Name:      "app_crashes_total",
			Help:      "Unexpected application process exits",
		}, []string{"application"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shipyard",
			Subsystem: "supervisor",
			Name:      "app_restarts_total",
			Help:      "Automatic application restarts",
		}, []string{"application"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shipyard",
			Subsystem: "supervisor",
			Name:      "running_apps",
			Help:      "Applications with a running process",
		}),
	}
	collectors := []prometheus.Collector{m.memory, m.cpu, m.crashes, m.restarts, m.active}
	for _, collector := range collectors {
		if err := prometheus.Register(collector); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				continue
			}
			switch existing := are.ExistingCollector.(type) {
			case *prometheus.GaugeVec:
				if collector == prometheus.Collector(m.memory) {
					m.memory = existing
				} else if collector == prometheus.Collector(m.cpu) {
					m.cpu = existing
				}
			case *prometheus.CounterVec:
				if collector == prometheus.Collector(m.crashes) {
					m.crashes = existing
				} else if collector == prometheus.Collector(m.restarts) {
					m.restarts = existing
				}
			case prometheus.Gauge:
				m.active = existing
			}
		}
	}
	return m
}

func (m *metrics) usage(app string, memory uint64, cpu float64) {
	m.memory.WithLabelValues(app).Set(float64(memory))
	m.cpu.WithLabelValues(app).Set(cpu)
}

func (m *metrics) crash(app string) {
	m.crashes.WithLabelValues(app).Inc()
}

func (m *metrics) restart(app string) {
	m.restarts.WithLabelValues(app).Inc()
}

func (m *metrics) running(n int) {
	m.active.Set(float64(n))
}

func (m *metrics) forget(app string) {
	m.memory.DeleteLabelValues(app)
	m.cpu.DeleteLabelValues(app)
}
