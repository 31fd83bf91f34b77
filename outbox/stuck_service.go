package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox/storage"
)

// StuckEventService watches for events that have sat unpublished for too
// long. Old pending events indicate a relay outage and are only surfaced for
// alerting; events stuck in a claim are returned to pending because their
// relay instance has evidently died mid-batch.
type StuckEventService struct {
	store          storage.Store
	logger         *zap.Logger
	metrics        sagaflow.MetricsCollector
	stuckThreshold time.Duration
	batchSize      int
}

// NewStuckEventService creates a stuck event service over the given store.
func NewStuckEventService(store storage.Store, logger *zap.Logger, opts ...StuckEventServiceOption) *StuckEventService {
	options := &stuckEventServiceOptions{
		batchSize:      defaultBatchSize,
		stuckThreshold: defaultStuckThreshold,
		metrics:        sagaflow.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StuckEventService{
		store:          store,
		logger:         logger,
		metrics:        options.metrics,
		stuckThreshold: options.stuckThreshold,
		batchSize:      options.batchSize,
	}
}

// CheckStuckEvents is the work function the stuck event worker runs on every
// tick.
func (s *StuckEventService) CheckStuckEvents(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("stuck_events.duration", time.Since(start), nil)
	}()

	events, err := s.store.FetchStuck(ctx, s.stuckThreshold, s.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch stuck events: %w", err)
	}

	if len(events) == 0 {
		return nil
	}

	var claimed []int64
	pendingCount := 0
	for _, event := range events {
		switch event.Status {
		case EventStatusProcessing:
			claimed = append(claimed, event.ID)
		default:
			pendingCount++
			s.logger.Warn("Event stuck in pending, relay may be down",
				zap.Int64("event_id", event.ID),
				zap.String("event_type", event.EventType),
				zap.Time("created_at", event.CreatedAt),
			)
		}
	}

	if pendingCount > 0 {
		s.metrics.RecordGauge("stuck_events.pending", float64(pendingCount), nil)
	}

	if len(claimed) > 0 {
		if err := s.store.ReleaseStuckClaims(ctx, claimed); err != nil {
			s.metrics.IncrementCounter("stuck_events.release_failed", nil)
			return fmt.Errorf("failed to release stuck claims: %w", err)
		}
		s.logger.Info("Released stuck claims", zap.Int("count", len(claimed)))
		s.metrics.RecordGauge("stuck_events.released", float64(len(claimed)), nil)
	}

	return nil
}
