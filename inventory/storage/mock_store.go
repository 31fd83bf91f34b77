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

func (m *MockStore) CreateProduct(ctx context.Context, record *ProductRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetProduct(ctx context.Context, productID string) (*ProductRecord, error) {
	args := m.Called(ctx, productID)
	record, _ := args.Get(0).(*ProductRecord)
	return record, args.Error(1)
}

func (m *MockStore) UpdateProduct(ctx context.Context, record *ProductRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) CreateReservation(ctx context.Context, record *ReservationRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockStore) GetReservation(ctx context.Context, id string) (*ReservationRecord, error) {
	args := m.Called(ctx, id)
	record, _ := args.Get(0).(*ReservationRecord)
	return record, args.Error(1)
}

func (m *MockStore) FindActiveByOrderProduct(ctx context.Context, orderID, productID string) (*ReservationRecord, error) {
	args := m.Called(ctx, orderID, productID)
	record, _ := args.Get(0).(*ReservationRecord)
	return record, args.Error(1)
}

func (m *MockStore) FindByOrder(ctx context.Context, orderID string) ([]ReservationRecord, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).([]ReservationRecord), args.Error(1)
}

func (m *MockStore) UpdateReservationStatus(ctx context.Context, id string, from, to string) (bool, error) {
	args := m.Called(ctx, id, from, to)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) FetchExpired(ctx context.Context, now time.Time, batchSize int) ([]ReservationRecord, error) {
	args := m.Called(ctx, now, batchSize)
	return args.Get(0).([]ReservationRecord), args.Error(1)
}

func (m *MockStore) EnsureTables(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
