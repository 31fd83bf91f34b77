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

func (m *MockStore) CreateExecution(ctx context.Context, record *ExecutionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetByOrderID(ctx context.Context, orderID string) (*ExecutionRecord, error) {
	args := m.Called(ctx, orderID)
	record, _ := args.Get(0).(*ExecutionRecord)
	return record, args.Error(1)
}

func (m *MockStore) UpdateExecution(ctx context.Context, record *ExecutionRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) FetchExpiredDeadlines(ctx context.Context, now time.Time, batchSize int) ([]ExecutionRecord, error) {
	args := m.Called(ctx, now, batchSize)
	return args.Get(0).([]ExecutionRecord), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
