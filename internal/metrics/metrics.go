// Package metrics holds the Prometheus collectors of the wallet service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OutcomeOK labels operations that completed without error.
const OutcomeOK = "ok"

var (
	operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_operations_total",
			Help: "Wallet operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_operation_duration_seconds",
			Help:    "Duration of wallet operations including conflict retries",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)

	conflictRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_conflict_retries_total",
			Help: "Atomic units retried after a concurrency conflict",
		},
		[]string{"operation"},
	)

	idempotentReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_idempotent_replays_total",
			Help: "Mutations answered from a stored idempotency record",
		},
		[]string{"operation"},
	)

	creditsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_credits_expired_total",
			Help: "Virtual credits expired by the sweeper",
		},
	)

	creditsForfeited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_credit_forfeited_minor_units_total",
			Help: "Remaining virtual balance forfeited at expiry, in minor units",
		},
	)

	sweepFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_sweep_failures_total",
			Help: "Credits the sweeper failed to expire",
		},
	)

	eventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wallet_event_publish_errors_total",
			Help: "Post-commit events that could not be published",
		},
	)
)

// ObserveOperation records one finished operation.
func ObserveOperation(operation, outcome string, started time.Time) {
	operations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ConflictRetry counts one retry of an atomic unit.
func ConflictRetry(operation string) {
	conflictRetries.WithLabelValues(operation).Inc()
}

// IdempotentReplay counts a mutation served from its idempotency record.
func IdempotentReplay(operation string) {
	idempotentReplays.WithLabelValues(operation).Inc()
}

// CreditExpired records one sweeper expiry and the amount it forfeited.
func CreditExpired(forfeited int64) {
	creditsExpired.Inc()
	creditsForfeited.Add(float64(forfeited))
}

// SweepFailure counts a credit the sweeper could not expire.
func SweepFailure() {
	sweepFailures.Inc()
}

// EventPublishError counts a dropped post-commit event.
func EventPublishError() {
	eventPublishErrors.Inc()
}
