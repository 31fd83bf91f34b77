package inventory

import (
	"github.com/jonboulle/clockwork"

	"github.com/overtonx/sagaflow"
)

const (
	defaultMaxConflictRetries = 3
	defaultExpiryBatchSize    = 100
)

type ledgerOptions struct {
	maxConflictRetries int
	expiryBatchSize    int
	metrics            sagaflow.MetricsCollector
	clock              clockwork.Clock
}

// LedgerOption configures a Ledger.
type LedgerOption func(*ledgerOptions)

// WithMaxConflictRetries bounds how many times a mutation is retried after
// losing an optimistic concurrency race.
func WithMaxConflictRetries(retries int) LedgerOption {
	return func(o *ledgerOptions) {
		if retries > 0 {
			o.maxConflictRetries = retries
		}
	}
}

// WithExpiryBatchSize limits how many reservations one sweep pass expires.
func WithExpiryBatchSize(size int) LedgerOption {
	return func(o *ledgerOptions) {
		if size > 0 {
			o.expiryBatchSize = size
		}
	}
}

// WithLedgerMetrics sets the metrics collector.
func WithLedgerMetrics(metrics sagaflow.MetricsCollector) LedgerOption {
	return func(o *ledgerOptions) {
		if metrics != nil {
			o.metrics = metrics
		}
	}
}

// WithLedgerClock replaces the clock, for tests.
func WithLedgerClock(clock clockwork.Clock) LedgerOption {
	return func(o *ledgerOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}
