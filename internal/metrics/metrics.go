// Package metrics exposes the engine's Prometheus instrumentation. All
// collectors are registered on the default registry and served by the
// admin server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersCreated counts orders placed, by exchange, side and type.
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_orders_created_total",
		Help: "Orders placed on the mirrored exchange.",
	}, []string{"exchange", "side", "type"})

	// OrdersCancelled counts orders cancelled, by exchange and reason.
	OrdersCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_orders_cancelled_total",
		Help: "Orders cancelled, including auto-cancel and sticky repricing.",
	}, []string{"exchange", "reason"})

	// OrdersFilled counts fills observed locally or via reconciliation.
	OrdersFilled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_orders_filled_total",
		Help: "Limit orders observed as fulfilled.",
	}, []string{"exchange"})

	// PortfolioValue tracks the fiat valuation per agent.
	PortfolioValue = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmengine_portfolio_value",
		Help: "Total account value in the fiat currency.",
	}, []string{"agent", "exchange"})

	// OpenOrders tracks orders resting on the mirrored exchange.
	OpenOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmengine_open_orders",
		Help: "Open orders resting on the mirrored exchange.",
	}, []string{"exchange"})

	// ActiveMarkets tracks how many markets each agent worked last run.
	ActiveMarkets = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmengine_active_markets",
		Help: "Markets worked in the last agent run.",
	}, []string{"agent"})

	// Drawdown tracks (peak-total)/peak per agent.
	Drawdown = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mmengine_drawdown_ratio",
		Help: "Current drawdown from the portfolio peak.",
	}, []string{"agent"})

	// JobRuns counts orchestrator job executions by name and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_job_runs_total",
		Help: "Background job executions.",
	}, []string{"name", "outcome"})

	// JobDuration observes job execution time.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmengine_job_duration_seconds",
		Help:    "Background job execution time.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2.5, 10),
	}, []string{"name"})

	// SyncFailures counts remote sync failures by kind.
	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmengine_sync_failures_total",
		Help: "Failed remote data syncs.",
	}, []string{"exchange", "kind"})
)
