package storage

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of the Store interface for testing.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEvent(ctx context.Context, event *EventRecord) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockStore) FetchPending(ctx context.Context, batchSize int) ([]EventRecord, error) {
	args := m.Called(ctx, batchSize)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) ClaimEvents(ctx context.Context, eventIDs []int64) error {
	args := m.Called(ctx, eventIDs)
	return args.Error(0)
}

func (m *MockStore) MarkPublished(ctx context.Context, eventID int64) error {
	args := m.Called(ctx, eventID)
	return args.Error(0)
}

func (m *MockStore) MarkFailed(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error {
	args := m.Called(ctx, eventID, nextAttemptAt, lastError)
	return args.Error(0)
}

func (m *MockStore) MarkFailedPermanent(ctx context.Context, eventID int64, maxAttempts int, lastError string) error {
	args := m.Called(ctx, eventID, maxAttempts, lastError)
	return args.Error(0)
}

func (m *MockStore) FetchRetryable(ctx context.Context, maxAttempts int, retryDelay time.Duration, batchSize int) ([]EventRecord, error) {
	args := m.Called(ctx, maxAttempts, retryDelay, batchSize)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) ResetForRetry(ctx context.Context, eventIDs []int64) error {
	args := m.Called(ctx, eventIDs)
	return args.Error(0)
}

func (m *MockStore) FetchStuck(ctx context.Context, stuckThreshold time.Duration, batchSize int) ([]EventRecord, error) {
	args := m.Called(ctx, stuckThreshold, batchSize)
	return args.Get(0).([]EventRecord), args.Error(1)
}

func (m *MockStore) ReleaseStuckClaims(ctx context.Context, eventIDs []int64) error {
	args := m.Called(ctx, eventIDs)
	return args.Error(0)
}

func (m *MockStore) DeletePublished(ctx context.Context, retention time.Duration) (int64, error) {
	args := m.Called(ctx, retention)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
