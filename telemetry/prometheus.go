package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports samples through three labeled vectors:
// <ns>_events_total{name}, <ns>_timing_seconds{name} and <ns>_gauge{name}.
type Prometheus struct {
	events  *prometheus.CounterVec
	timings *prometheus.HistogramVec
	gauges  *prometheus.GaugeVec
}

// NewPrometheus creates the vectors and registers them with reg. A nil reg
// registers with prometheus.DefaultRegisterer.
func NewPrometheus(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	p := &Prometheus{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Engine events by dotted metric name",
		}, []string{"name"}),
		timings: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "timing_seconds",
			Help:      "Engine operation durations by dotted metric name",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"name"}),
		gauges: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gauge",
			Help:      "Engine gauges by dotted metric name",
		}, []string{"name"}),
	}
	for _, c := range []prometheus.Collector{p.events, p.timings, p.gauges} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) Count(name string, delta int64) {
	if delta < 0 {
		return
	}
	p.events.WithLabelValues(name).Add(float64(delta))
}

func (p *Prometheus) Timing(name string, d time.Duration) {
	p.timings.WithLabelValues(name).Observe(d.Seconds())
}

func (p *Prometheus) Gauge(name string, value float64) {
	p.gauges.WithLabelValues(name).Set(value)
}
