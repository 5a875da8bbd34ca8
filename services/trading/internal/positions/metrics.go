package positions

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OpensTotal    *prometheus.CounterVec
	ClosesTotal   *prometheus.CounterVec
	OpenPositions prometheus.Gauge
	TickDuration  prometheus.Histogram
	StaleTicks    prometheus.Counter
	SpotFills     *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OpensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positions_opens_total",
				Help: "Position open attempts by outcome.",
			},
			[]string{"status"},
		),
		ClosesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positions_closes_total",
				Help: "Position closes by reason and outcome.",
			},
			[]string{"reason", "status"},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "positions_open",
				Help: "Open positions tracked for mark-to-market.",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "positions_tick_duration_seconds",
				Help:    "Time to evaluate one price tick.",
				Buckets: prometheus.DefBuckets,
			},
		),
		StaleTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "positions_stale_ticks_total",
				Help: "Ticks ignored because a newer tick was already applied.",
			},
		),
		SpotFills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "positions_spot_fills_total",
				Help: "Spot fills by side and outcome.",
			},
			[]string{"side", "status"},
		),
	}
	registry.MustRegister(m.OpensTotal, m.ClosesTotal, m.OpenPositions, m.TickDuration, m.StaleTicks, m.SpotFills)
	return m
}

func (m *Metrics) incOpen(status string) {
	if m == nil {
		return
	}
	m.OpensTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) incClose(reason, status string) {
	if m == nil {
		return
	}
	m.ClosesTotal.WithLabelValues(reason, status).Inc()
}

func (m *Metrics) setOpen(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

func (m *Metrics) observeTick(d time.Duration) {
	if m == nil {
		return
	}
	m.TickDuration.Observe(d.Seconds())
}

func (m *Metrics) incStale() {
	if m == nil {
		return
	}
	m.StaleTicks.Inc()
}

func (m *Metrics) incSpot(side, status string) {
	if m == nil {
		return
	}
	m.SpotFills.WithLabelValues(side, status).Inc()
}
