package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	MutationsTotal    *prometheus.CounterVec
	MutationDuration  *prometheus.HistogramVec
	IdempotentReplays *prometheus.CounterVec
	BatchItems        *prometheus.CounterVec
	BalanceLookups    *prometheus.CounterVec
	Retries           prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		MutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mutations_total",
				Help: "Total ledger mutations by type and outcome.",
			},
			[]string{"type", "status"},
		),
		MutationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_mutation_duration_seconds",
				Help:    "Ledger mutation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		IdempotentReplays: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_idempotent_replays_total",
				Help: "Mutations answered from a stored idempotency result.",
			},
			[]string{"source"},
		),
		BatchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_batch_items_total",
				Help: "Batch items processed by outcome.",
			},
			[]string{"status"},
		),
		BalanceLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_balance_lookups_total",
				Help: "Total balance lookups.",
			},
			[]string{"status"},
		),
		Retries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_retries_total",
				Help: "Retries after concurrent modification.",
			},
		),
	}

	registry.MustRegister(
		m.MutationsTotal,
		m.MutationDuration,
		m.IdempotentReplays,
		m.BatchItems,
		m.BalanceLookups,
		m.Retries,
	)
	return m
}

func (m *Metrics) observeMutation(mutationType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.MutationsTotal.WithLabelValues(mutationType, status).Inc()
	m.MutationDuration.WithLabelValues(mutationType).Observe(duration.Seconds())
}

func (m *Metrics) incReplay(source string) {
	if m == nil {
		return
	}
	m.IdempotentReplays.WithLabelValues(source).Inc()
}

func (m *Metrics) incBatchItem(status string) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(status).Inc()
}

func (m *Metrics) incBalanceLookup(status string) {
	if m == nil {
		return
	}
	m.BalanceLookups.WithLabelValues(status).Inc()
}

func (m *Metrics) incRetry() {
	if m == nil {
		return
	}
	m.Retries.Inc()
}
