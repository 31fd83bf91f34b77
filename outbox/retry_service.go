package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox/storage"
)

// RetryService moves failed events with remaining retry budget back to
// pending. It runs on a slower interval than the relay; events beyond
// maxAttempts stay failed until an operator intervenes.
type RetryService struct {
	store       storage.Store
	logger      *zap.Logger
	metrics     sagaflow.MetricsCollector
	maxAttempts int
	retryDelay  time.Duration
	batchSize   int
}

// NewRetryService creates a retry service over the given store.
func NewRetryService(store storage.Store, logger *zap.Logger, opts ...RetryServiceOption) *RetryService {
	options := &retryServiceOptions{
		batchSize:   defaultBatchSize,
		maxAttempts: defaultMaxAttempts,
		retryDelay:  defaultRetryDelay,
		metrics:     sagaflow.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryService{
		store:       store,
		logger:      logger,
		metrics:     options.metrics,
		maxAttempts: options.maxAttempts,
		retryDelay:  options.retryDelay,
		batchSize:   options.batchSize,
	}
}

// RetryFailedEvents is the work function the retry worker runs on every
// tick.
func (s *RetryService) RetryFailedEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("retry.duration", time.Since(start), nil)
	}()

	events, err := s.store.FetchRetryable(ctx, s.maxAttempts, s.retryDelay, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch retryable events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	eventIDs := make([]int64, len(events))
	for i, event := range events {
		eventIDs[i] = event.ID
	}

	if err := s.store.ResetForRetry(ctx, eventIDs); err != nil {
		s.metrics.IncrementCounter("retry.reset_failed", nil)
		return fmt.Errorf("failed to reset events for retry: %w", err)
	}

	s.logger.Info("Reset failed events for retry", zap.Int("count", len(events)))
	s.metrics.RecordGauge("retry.batch_size", float64(len(events)), nil)
	s.metrics.IncrementCounter("retry.executed", nil)
	return nil
}
