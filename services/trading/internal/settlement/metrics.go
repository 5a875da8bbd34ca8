package settlement

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Approvals *prometheus.CounterVec
	Referrals *prometheus.CounterVec
	Outbox    *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_tier_approvals_total",
				Help: "Tier purchase approvals by outcome.",
			},
			[]string{"status"},
		),
		Referrals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_referral_rewards_total",
				Help: "Referral rewards by stage.",
			},
			[]string{"status"},
		),
		Outbox: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlement_outbox_deliveries_total",
				Help: "Outbox delivery attempts by topic and outcome.",
			},
			[]string{"topic", "status"},
		),
	}
	registry.MustRegister(m.Approvals, m.Referrals, m.Outbox)
	return m
}

func (m *Metrics) incApproval(status string) {
	if m == nil {
		return
	}
	m.Approvals.WithLabelValues(status).Inc()
}

func (m *Metrics) incReferral(status string) {
	if m == nil {
		return
	}
	m.Referrals.WithLabelValues(status).Inc()
}

func (m *Metrics) incOutbox(topic, status string) {
	if m == nil {
		return
	}
	m.Outbox.WithLabelValues(topic, status).Inc()
}
