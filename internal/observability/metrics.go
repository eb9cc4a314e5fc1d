package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the matching and settlement
// engine. Callers tolerate a nil *Metrics so tests can skip registration.
type Metrics struct {
	// --- Matching ---
	OrdersSubmitted *prometheus.CounterVec
	OrdersRejected  *prometheus.CounterVec
	OrdersResting   prometheus.Counter
	OrdersCancelled prometheus.Counter
	FillsExecuted   prometheus.Counter
	FillVolume      prometheus.Counter
	MatchDuration   *prometheus.HistogramVec

	// --- Ledger ---
	BalanceReserved prometheus.Counter
	BalanceReleased prometheus.Counter
	BalanceSettled  prometheus.Counter

	// --- Statistics projection ---
	StatsRefreshes      prometheus.Counter
	StatsRefreshErrors  prometheus.Counter
	StatsRefreshSeconds prometheus.Histogram

	// --- Resolution & claims ---
	PollsResolved  prometheus.Counter
	TradesTagged   prometheus.Counter
	ClaimsPaid     prometheus.Counter
	ClaimsRejected *prometheus.CounterVec
	PayoutVolume   prometheus.Counter

	// --- Notification sink ---
	NotifyPublished *prometheus.CounterVec
	NotifyFailures  *prometheus.CounterVec

	// --- Intake ---
	IntakeRequests    *prometheus.CounterVec
	IntakeParseErrors *prometheus.CounterVec

	// --- Persistence ---
	StoreErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	matchBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
	}

	return &Metrics{
		OrdersSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_orders_submitted_total",
			Help: "Orders accepted by the matching engine",
		}, []string{"side", "kind"}),

		OrdersRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_orders_rejected_total",
			Help: "Orders rejected before mutation",
		}, []string{"reason"}),

		OrdersResting: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_orders_resting_total",
			Help: "Orders left resting in the book after matching",
		}),

		OrdersCancelled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_orders_cancelled_total",
			Help: "Resting orders cancelled",
		}),

		FillsExecuted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_fills_executed_total",
			Help: "Fills produced by matching",
		}),

		FillVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_fill_volume_microshares_total",
			Help: "Filled volume in micro-shares",
		}),

		MatchDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_match_duration_seconds",
			Help:    "Time to validate, match and persist one submission",
			Buckets: matchBuckets,
		}, []string{"side"}),

		BalanceReserved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_ledger_reserved_total",
			Help: "Quote units moved into buy escrow",
		}),

		BalanceReleased: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_ledger_released_total",
			Help: "Quote units released from escrow (cancel, slack, reject)",
		}),

		BalanceSettled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_ledger_settled_total",
			Help: "Quote units settled between counterparties",
		}),

		StatsRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_stats_refresh_total",
			Help: "Poll statistics recomputations",
		}),

		StatsRefreshErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_stats_refresh_errors_total",
			Help: "Failed poll statistics recomputations",
		}),

		StatsRefreshSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_stats_refresh_duration_seconds",
			Help:    "Time to recompute one poll's statistics",
			Buckets: matchBuckets,
		}),

		PollsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_polls_resolved_total",
			Help: "Polls resolved",
		}),

		TradesTagged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_trades_tagged_total",
			Help: "Completed trades tagged for payout eligibility",
		}),

		ClaimsPaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_claims_paid_total",
			Help: "Successful payout claims",
		}),

		ClaimsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_claims_rejected_total",
			Help: "Rejected payout claims",
		}, []string{"reason"}),

		PayoutVolume: promauto.NewCounter(prometheus.CounterOpts{
			Name: "market_payout_volume_total",
			Help: "Quote units credited through claims",
		}),

		NotifyPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_notify_published_total",
			Help: "Notification events published",
		}, []string{"event"}),

		NotifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_notify_failures_total",
			Help: "Notification publishes dropped (best-effort sink)",
		}, []string{"event"}),

		IntakeRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_intake_requests_total",
			Help: "Requests consumed from the intake subjects",
		}, []string{"operation", "outcome"}),

		IntakeParseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_intake_parse_errors_total",
			Help: "Intake payloads that failed to parse",
		}, []string{"operation"}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "market_store_errors_total",
			Help: "Store operation failures",
		}, []string{"op"}),
	}
}
