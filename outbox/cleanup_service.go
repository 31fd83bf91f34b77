package outbox

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox/storage"
)

// CleanupService deletes published events once they are older than the
// retention threshold. Published events are immutable, so deletion is the
// only write ever applied to them.
type CleanupService struct {
	store     storage.Store
	logger    *zap.Logger
	metrics   sagaflow.MetricsCollector
	retention time.Duration
}

// NewCleanupService creates a cleanup service over the given store.
func NewCleanupService(store storage.Store, logger *zap.Logger, opts ...CleanupServiceOption) *CleanupService {
	options := &cleanupServiceOptions{
		retention: defaultPublishedRetention,
		metrics:   sagaflow.NewNopMetricsCollector(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupService{
		store:     store,
		logger:    logger,
		metrics:   options.metrics,
		retention: options.retention,
	}
}

// Cleanup is the work function the cleanup worker runs on every tick.
// Cleanup errors are logged rather than returned so a transient store
// problem does not stop the worker.
func (s *CleanupService) Cleanup(ctx context.Context) error {
	start := time.Now()
	defer func() {
		s.metrics.RecordDuration("cleanup.duration", time.Since(start), nil)
	}()

	deleted, err := s.store.DeletePublished(ctx, s.retention)
	if err != nil {
		s.logger.Error("Failed to clean up published events", zap.Error(err))
		s.metrics.IncrementCounter("cleanup.failed", nil)
		return nil
	}

	if deleted > 0 {
		s.logger.Info("Cleaned up published events", zap.Int64("count", deleted))
		s.metrics.RecordGauge("cleanup.deleted", float64(deleted), nil)
	}
	s.metrics.IncrementCounter("cleanup.executed", nil)
	return nil
}
