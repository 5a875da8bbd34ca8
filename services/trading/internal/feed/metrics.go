package feed

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	TicksPublished prometheus.Counter
	TicksDropped   prometheus.Counter
	TicksRejected  prometheus.Counter
	Subscribers    prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TicksPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_ticks_published_total",
			Help: "Price ticks accepted by the hub.",
		}),
		TicksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_ticks_dropped_total",
			Help: "Ticks not delivered because a subscriber buffer was full.",
		}),
		TicksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_ticks_rejected_total",
			Help: "Ticks rejected for a missing symbol or non-positive price.",
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_subscribers",
			Help: "Current number of tick subscriptions.",
		}),
	}
	registry.MustRegister(m.TicksPublished, m.TicksDropped, m.TicksRejected, m.Subscribers)
	return m
}

func (m *Metrics) incPublished() {
	if m == nil {
		return
	}
	m.TicksPublished.Inc()
}

func (m *Metrics) incDropped() {
	if m == nil {
		return
	}
	m.TicksDropped.Inc()
}

func (m *Metrics) incRejected() {
	if m == nil {
		return
	}
	m.TicksRejected.Inc()
}

func (m *Metrics) setSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}
