package saga

import (
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/overtonx/sagaflow"
)

const (
	defaultStepTimeout        = 5 * time.Minute
	defaultReservationTTL     = 30 * time.Minute
	defaultDeadlineBatchSize  = 100
	defaultMaxConflictRetries = 3
)

type OrchestratorOption func(*orchestratorOptions)

type orchestratorOptions struct {
	stepTimeout        time.Duration
	reservationTTL     time.Duration
	deadlineBatchSize  int
	maxConflictRetries int
	metrics            sagaflow.MetricsCollector
	clock              clockwork.Clock
}

// WithStepTimeout sets the deadline granted to every forward step.
func WithStepTimeout(timeout time.Duration) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.stepTimeout = timeout
	}
}

// WithReservationTTL sets the time-box requested for stock reservations.
func WithReservationTTL(ttl time.Duration) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.reservationTTL = ttl
	}
}

func WithDeadlineBatchSize(size int) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.deadlineBatchSize = size
	}
}

func WithMaxConflictRetries(retries int) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.maxConflictRetries = retries
	}
}

func WithOrchestratorMetrics(metrics sagaflow.MetricsCollector) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.metrics = metrics
	}
}

// WithClock overrides the clock, letting tests drive deadlines.
func WithClock(clock clockwork.Clock) OrchestratorOption {
	return func(o *orchestratorOptions) {
		o.clock = clock
	}
}
