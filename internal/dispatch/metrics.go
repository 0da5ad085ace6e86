package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	sends    *prometheus.CounterVec
	rateWait prometheus.Histogram
	running  prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_sends_total",
			Help: "Send outcomes across all campaigns",
		}, []string{"outcome"}),
		rateWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_rate_limit_wait_seconds",
			Help:    "Cool-down durations requested by the platform",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_running",
			Help: "Campaigns currently dispatching",
		}),
	}
}

func (m *Metrics) outcome(k Kind) {
	if m != nil {
		m.sends.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) skipped(n int) {
	if m != nil && n > 0 {
		m.sends.WithLabelValues("skipped").Add(float64(n))
	}
}

func (m *Metrics) waited(d time.Duration) {
	if m != nil {
		m.rateWait.Observe(d.Seconds())
	}
}

func (m *Metrics) runDelta(n float64) {
	if m != nil {
		m.running.Add(n)
	}
}
