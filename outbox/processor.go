package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/outbox/storage"
)

// Processor is the relay: it drains pending events from the store and
// publishes them to the bus. Each event is marked published or failed on its
// own, so a partial batch failure is normal.
type Processor struct {
	store           storage.Store
	publisher       Publisher
	logger          *zap.Logger
	metrics         sagaflow.MetricsCollector
	backoffStrategy sagaflow.BackoffStrategy
	maxAttempts     int
	batchSize       int
}

// NewProcessor creates a relay over the given store and publisher.
func NewProcessor(store storage.Store, publisher Publisher, logger *zap.Logger, opts ...ProcessorOption) *Processor {
	options := &processorOptions{
		batchSize:       defaultBatchSize,
		maxAttempts:     defaultMaxAttempts,
		metrics:         sagaflow.NewNopMetricsCollector(),
		backoffStrategy: sagaflow.DefaultBackoffStrategy(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:           store,
		publisher:       publisher,
		logger:          logger,
		metrics:         options.metrics,
		backoffStrategy: options.backoffStrategy,
		maxAttempts:     options.maxAttempts,
		batchSize:       options.batchSize,
	}
}

// ProcessEvents is the work function the relay worker runs on every tick.
func (p *Processor) ProcessEvents(ctx context.Context) error {
	start := time.Now()
	events, err := p.fetchAndClaimEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch events: %w", err)
	}
	p.metrics.RecordDuration("relay.fetch_duration", time.Since(start), nil)

	if len(events) == 0 {
		return nil
	}

	p.logger.Info("Fetched events for publishing", zap.Int("count", len(events)))
	p.metrics.RecordGauge("relay.batch_size", float64(len(events)), nil)

	published, failed := p.processBatch(ctx, events)

	p.logger.Info("Batch publishing completed",
		zap.Int("published", published),
		zap.Int("failed", failed))
	p.metrics.RecordDuration("relay.duration", time.Since(start), nil)

	return nil
}

// fetchAndClaimEvents pulls a pending batch and claims it for this relay
// instance so a concurrent relay does not double-publish the same events.
func (p *Processor) fetchAndClaimEvents(ctx context.Context) ([]storage.EventRecord, error) {
	events, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil || len(events) == 0 {
		return nil, err
	}

	eventIDs := make([]int64, len(events))
	for i, event := range events {
		eventIDs[i] = event.ID
	}

	if err := p.store.ClaimEvents(ctx, eventIDs); err != nil {
		// The batch is already in memory; a failed claim only widens the
		// window for a wasteful duplicate publish, which consumers tolerate.
		p.logger.Error("failed to claim events", zap.Error(err))
	}

	return events, nil
}

func (p *Processor) processBatch(ctx context.Context, events []storage.EventRecord) (published, failed int) {
	for _, event := range events {
		select {
		case <-ctx.Done():
			p.logger.Warn("Context cancelled during batch publishing", zap.Error(ctx.Err()))
			p.rescheduleEvent(context.Background(), event, ctx.Err())
			failed++
			continue
		default:
		}

		if err := p.publishSingleEvent(ctx, event); err != nil {
			failed++
			p.logger.Error("Failed to publish event",
				zap.Int64("event_id", event.ID),
				zap.Error(err))
		} else {
			published++
		}
	}
	return
}

func (p *Processor) publishSingleEvent(ctx context.Context, event storage.EventRecord) error {
	eventFields := []zap.Field{
		zap.Int64("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_id", event.AggregateID),
	}

	p.logger.Debug("Publishing event", eventFields...)

	record := EventRecord{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventID:       event.EventID,
		EventType:     event.EventType,
		Payload:       event.Payload,
		Headers:       event.Headers,
		Topic:         event.Topic,
		CorrelationID: event.CorrelationID,
		CausationID:   event.CausationID,
		SchemaVersion: event.SchemaVersion,
		RetryCount:    event.RetryCount,
		CreatedAt:     event.CreatedAt,
	}

	if err := p.publisher.Publish(ctx, record); err != nil {
		p.metrics.IncrementCounter("relay.publish_failed", map[string]string{"event_type": event.EventType})
		p.logger.Error("Failed to publish event", append(eventFields, zap.Error(err))...)
		if sagaflow.IsPermanent(err) {
			return p.failPermanently(ctx, event, err)
		}
		return p.rescheduleEvent(ctx, event, err)
	}

	if err := p.store.MarkPublished(ctx, event.ID); err != nil {
		p.metrics.IncrementCounter("relay.mark_published_failed", map[string]string{"event_type": event.EventType})
		p.logger.Error("Failed to mark event as published", append(eventFields, zap.Error(err))...)
		// The event is on the bus but still claimed in the store. The stuck
		// event service will release the claim and consumers deduplicate the
		// resulting second delivery.
		return err
	}

	p.metrics.IncrementCounter("relay.publish_success", map[string]string{"event_type": event.EventType})
	p.logger.Info("Event published", eventFields...)
	return nil
}

// rescheduleEvent marks the event failed. While the retry budget lasts, the
// retry service will move it back to pending after the backoff delay.
func (p *Processor) rescheduleEvent(ctx context.Context, event storage.EventRecord, publishError error) error {
	attempt := event.RetryCount + 1
	if attempt >= p.maxAttempts {
		p.logger.Error("Event exceeded max attempts, manual intervention required",
			zap.Int64("event_id", event.ID),
			zap.Error(publishError),
		)
		p.metrics.IncrementCounter("relay.attempts_exhausted", map[string]string{"event_type": event.EventType})
	}

	nextAttemptAt := p.backoffStrategy.CalculateNextAttempt(attempt)
	return p.store.MarkFailed(ctx, event.ID, nextAttemptAt, publishError.Error())
}

// failPermanently takes non-retryable events (broken payloads and the like)
// straight out of the retry budget.
func (p *Processor) failPermanently(ctx context.Context, event storage.EventRecord, publishError error) error {
	p.logger.Error("Event failed permanently",
		zap.Int64("event_id", event.ID),
		zap.Error(publishError),
	)
	p.metrics.IncrementCounter("relay.permanent_failure", map[string]string{"event_type": event.EventType})
	return p.store.MarkFailedPermanent(ctx, event.ID, p.maxAttempts, publishError.Error())
}
