package catalog

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	RefreshDuration *prometheus.HistogramVec
	RefreshErrors   *prometheus.CounterVec
	CacheSize       *prometheus.GaugeVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RefreshDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalog_refresh_duration_seconds",
				Help:    "Catalog refresh latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"catalog"},
		),
		RefreshErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalog_refresh_errors_total",
				Help: "Failed catalog refreshes.",
			},
			[]string{"catalog"},
		),
		CacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "catalog_cache_size",
				Help: "Entries held by each catalog.",
			},
			[]string{"catalog"},
		),
	}
	registry.MustRegister(m.RefreshDuration, m.RefreshErrors, m.CacheSize)
	return m
}

func (m *Metrics) ObserveRefresh(catalog string, duration time.Duration) {
	m.RefreshDuration.WithLabelValues(catalog).Observe(duration.Seconds())
}

func (m *Metrics) SetCacheSize(catalog string, size int) {
	m.CacheSize.WithLabelValues(catalog).Set(float64(size))
}

func (m *Metrics) IncRefreshError(catalog string) {
	m.RefreshErrors.WithLabelValues(catalog).Inc()
}
