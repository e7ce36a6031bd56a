package writecache

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

type metrics struct {
	depth     prometheus.Gauge
	committed prometheus.Counter
	failed    prometheus.Counter
}

func newMetrics() *metrics {
	return &metrics{
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "keeper",
			Subsystem: "writecache",
			Name:      "queue_depth",
			Help:      "Number of values awaiting commit.",
		}),
		committed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "writecache",
			Name:      "committed_total",
			Help:      "Number of values committed to the inner backend.",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "keeper",
			Subsystem: "writecache",
			Name:      "failed_total",
			Help:      "Number of values the inner backend refused.",
		}),
	}
}

func (m *metrics) register(reg prometheus.Registerer) error {
	return multierr.Combine(
		reg.Register(m.depth),
		reg.Register(m.committed),
		reg.Register(m.failed),
	)
}
