// Package metrics provides Prometheus metrics for the agent rounds.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the collectors of one process. Each instance owns its
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// Round metrics
	RoundsTotal    *prometheus.CounterVec
	RoundDuration  *prometheus.HistogramVec
	SourceFailures *prometheus.CounterVec
	Candidates     *prometheus.CounterVec

	// Decision and execution metrics
	Decisions  *prometheus.CounterVec
	Trades     *prometheus.CounterVec
	FeesPaid   *prometheus.CounterVec
	ProfitBook *prometheus.GaugeVec

	LastRound *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "defi_agents"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RoundsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "total",
			Help:      "Rounds run by agent and outcome",
		}, []string{"agent", "outcome"}),
		RoundDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "duration_seconds",
			Help:      "Wall time of one round",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		SourceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "source_failures_total",
			Help:      "Quote fetches excluded from a snapshot",
		}, []string{"source", "chain"}),
		Candidates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "candidates_total",
			Help:      "Candidates produced by kind",
		}, []string{"kind"}),

		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "decisions_total",
			Help:      "Policy decisions by agent and reason",
		}, []string{"agent", "reason"}),
		Trades: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "trades_total",
			Help:      "Execution records by agent and status",
		}, []string{"agent", "status"}),
		FeesPaid: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "fees_paid_total",
			Help:      "Fees paid in quote units",
		}, []string{"agent"}),
		ProfitBook: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "total_pnl",
			Help:      "Latest total P&L per account and agent type",
		}, []string{"account", "agent_type"}),

		LastRound: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "round",
			Name:      "last_completed_timestamp",
			Help:      "Unix time of the last completed round",
		}, []string{"agent"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRound records a finished round.
func (m *Metrics) RecordRound(agent, outcome string, took time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.RoundsTotal.WithLabelValues(agent, outcome).Inc()
	m.RoundDuration.WithLabelValues(agent).Observe(took.Seconds())
	m.LastRound.WithLabelValues(agent).Set(float64(at.Unix()))
}

// RecordSourceFailure counts one failed fetch.
func (m *Metrics) RecordSourceFailure(source, chain string) {
	if m == nil {
		return
	}
	m.SourceFailures.WithLabelValues(source, chain).Inc()
}

// RecordCandidate counts one detected candidate.
func (m *Metrics) RecordCandidate(kind string) {
	if m == nil {
		return
	}
	m.Candidates.WithLabelValues(kind).Inc()
}

// RecordDecision counts one policy outcome.
func (m *Metrics) RecordDecision(agent, reason string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(agent, reason).Inc()
}

// RecordTrade counts one execution record and the fee it paid.
func (m *Metrics) RecordTrade(agent, status string, fee decimal.Decimal) {
	if m == nil {
		return
	}
	m.Trades.WithLabelValues(agent, status).Inc()
	if fee.IsPositive() {
		m.FeesPaid.WithLabelValues(agent).Add(fee.InexactFloat64())
	}
}

// RecordPnL publishes the latest P&L of a stats key.
func (m *Metrics) RecordPnL(account, agentType string, pnl decimal.Decimal) {
	if m == nil {
		return
	}
	m.ProfitBook.WithLabelValues(account, agentType).Set(pnl.InexactFloat64())
}
