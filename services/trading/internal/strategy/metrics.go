package strategy

import (
	"github.com/AfshinJalili/tradedesk/services/trading/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OrdersTotal     *prometheus.CounterVec
	DealsClosed     *prometheus.CounterVec
	GridCycles      prometheus.Counter
	ActiveTasks     prometheus.Gauge
	Transitions     *prometheus.CounterVec
	ReconciledTotal *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_orders_total",
				Help: "Bot orders by bot type, kind and outcome.",
			},
			[]string{"bot_type", "kind", "status"},
		),
		DealsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_dca_deals_closed_total",
				Help: "Closed DCA deals by reason.",
			},
			[]string{"reason"},
		),
		GridCycles: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "strategy_grid_cycles_total",
				Help: "Completed grid buy/sell cycles.",
			},
		),
		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "strategy_active_tasks",
				Help: "Bot tasks currently running.",
			},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_bot_transitions_total",
				Help: "Bot lifecycle transitions by target status.",
			},
			[]string{"status"},
		),
		ReconciledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "strategy_reconciled_orders_total",
				Help: "Pending bot orders re-submitted on resume by outcome.",
			},
			[]string{"status"},
		),
	}
	registry.MustRegister(m.OrdersTotal, m.DealsClosed, m.GridCycles, m.ActiveTasks, m.Transitions, m.ReconciledTotal)
	return m
}

func (m *Metrics) incOrder(botType storage.BotType, kind, status string) {
	if m == nil {
		return
	}
	m.OrdersTotal.WithLabelValues(string(botType), kind, status).Inc()
}

func (m *Metrics) incDeal(reason string) {
	if m == nil {
		return
	}
	m.DealsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) incCycle() {
	if m == nil {
		return
	}
	m.GridCycles.Inc()
}

func (m *Metrics) setTasks(n int) {
	if m == nil {
		return
	}
	m.ActiveTasks.Set(float64(n))
}

func (m *Metrics) incTransition(status storage.BotStatus) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) incReconciled(status string) {
	if m == nil {
		return
	}
	m.ReconciledTotal.WithLabelValues(status).Inc()
}
