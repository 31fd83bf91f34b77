package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no execution exists for the given key.
	ErrNotFound = errors.New("saga execution not found")
	// ErrDuplicateExecution is returned when an execution already exists
	// for the business correlation id.
	ErrDuplicateExecution = errors.New("saga execution already exists")
)

// ExecutionRecord is the database representation of a saga execution. The
// typed context travels as a JSON document.
type ExecutionRecord struct {
	ID             string
	SagaType       string
	OrderID        string
	State          string
	Context        []byte
	RetryCount     int
	Version        int64
	DeadlineAt     *time.Time
	DeadlineState  string
	StartedAt      time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time
	Result         string
}

// Store persists saga executions. UpdateExecution applies an optimistic
// version check: the write only lands if the stored version still equals
// record.Version, and the stored version is incremented. A failed check
// returns sagaflow.ErrVersionConflict.
//
// CreateExecution and UpdateExecution participate in the ambient transaction
// carried by the context so state changes commit together with the outbox
// events they produce.
type Store interface {
	CreateExecution(ctx context.Context, record *ExecutionRecord) error
	GetByOrderID(ctx context.Context, orderID string) (*ExecutionRecord, error)
	UpdateExecution(ctx context.Context, record *ExecutionRecord) error
	// FetchExpiredDeadlines returns executions whose armed deadline is in
	// the past and whose state still equals the guarded state.
	FetchExpiredDeadlines(ctx context.Context, now time.Time, batchSize int) ([]ExecutionRecord, error)
	EnsureTables(ctx context.Context) error
}
