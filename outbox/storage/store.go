package storage

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateEvent is returned by CreateEvent when an event with the same
// event_id already exists.
var ErrDuplicateEvent = errors.New("duplicate event")

// EventRecord is the database representation of an outbox event.
type EventRecord struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventID       string
	EventType     string
	Payload       []byte
	Headers       []byte
	Topic         string
	CorrelationID string
	CausationID   string
	SchemaVersion string
	Status        int
	RetryCount    int
	LastError     string
	LastRetryAt   *time.Time
	NextAttemptAt *time.Time
	CreatedAt     time.Time
	PublishedAt   *time.Time
}

// Store is the durable record of domain events awaiting publication.
//
// CreateEvent participates in the ambient transaction carried by the
// context: it must commit or roll back together with the business mutation
// that produced the event. Every other method runs against the base
// connection and is called by the relay services only.
type Store interface {
	// CreateEvent saves a new pending event inside the ambient transaction.
	CreateEvent(ctx context.Context, event *EventRecord) error
	// FetchPending returns pending events, oldest first.
	FetchPending(ctx context.Context, batchSize int) ([]EventRecord, error)
	// ClaimEvents marks a fetched batch as claimed by this relay instance
	// so a second instance does not publish the same events.
	ClaimEvents(ctx context.Context, eventIDs []int64) error
	// MarkPublished finalises a successful publish attempt.
	MarkPublished(ctx context.Context, eventID int64) error
	// MarkFailed records a failed attempt: increments the retry count,
	// stamps last_retry_at and schedules the next attempt.
	MarkFailed(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error
	// MarkFailedPermanent fails an event without scheduling another
	// attempt. Used for non-retryable errors such as broken payloads.
	MarkFailedPermanent(ctx context.Context, eventID int64, maxAttempts int, lastError string) error
	// FetchRetryable returns failed events whose retry budget is not
	// exhausted and whose last attempt is older than retryDelay.
	FetchRetryable(ctx context.Context, maxAttempts int, retryDelay time.Duration, batchSize int) ([]EventRecord, error)
	// ResetForRetry moves failed events back to pending.
	ResetForRetry(ctx context.Context, eventIDs []int64) error
	// FetchStuck returns pending events older than the threshold and
	// claimed events whose claim lease has expired. The former indicate a
	// relay outage, the latter a relay that died mid-publish.
	FetchStuck(ctx context.Context, stuckThreshold time.Duration, batchSize int) ([]EventRecord, error)
	// ReleaseStuckClaims returns events with expired claims to pending.
	ReleaseStuckClaims(ctx context.Context, eventIDs []int64) error
	// DeletePublished removes published events older than the retention
	// threshold and reports how many rows were deleted.
	DeletePublished(ctx context.Context, retention time.Duration) (int64, error)
	// EnsureTables creates the outbox table if it does not exist.
	EnsureTables(ctx context.Context) error
}
