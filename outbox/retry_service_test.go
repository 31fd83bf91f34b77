package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/outbox/storage"
)

func TestRetryService_RetryFailedEvents(t *testing.T) {
	mockStore := new(storage.MockStore)

	service := NewRetryService(mockStore, zap.NewNop(),
		WithRetryServiceBatchSize(10),
		WithRetryServiceMaxAttempts(5),
		WithRetryServiceDelay(time.Minute),
	)

	events := []storage.EventRecord{
		{ID: 1, Status: EventStatusFailed, RetryCount: 1},
		{ID: 2, Status: EventStatusFailed, RetryCount: 3},
	}

	mockStore.On("FetchRetryable", mock.Anything, 5, time.Minute, 10).Return(events, nil).Once()
	mockStore.On("ResetForRetry", mock.Anything, []int64{1, 2}).Return(nil).Once()

	err := service.RetryFailedEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
}

func TestRetryService_RetryFailedEvents_NothingToRetry(t *testing.T) {
	mockStore := new(storage.MockStore)

	service := NewRetryService(mockStore, zap.NewNop())

	mockStore.On("FetchRetryable", mock.Anything, defaultMaxAttempts, defaultRetryDelay, defaultBatchSize).
		Return([]storage.EventRecord{}, nil).Once()

	err := service.RetryFailedEvents(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
	mockStore.AssertNotCalled(t, "ResetForRetry")
}

func TestRetryService_RetryFailedEvents_ResetError(t *testing.T) {
	mockStore := new(storage.MockStore)

	service := NewRetryService(mockStore, zap.NewNop())

	events := []storage.EventRecord{{ID: 1, Status: EventStatusFailed}}

	mockStore.On("FetchRetryable", mock.Anything, defaultMaxAttempts, defaultRetryDelay, defaultBatchSize).
		Return(events, nil).Once()
	mockStore.On("ResetForRetry", mock.Anything, []int64{1}).Return(errors.New("db down")).Once()

	err := service.RetryFailedEvents(context.Background())
	assert.Error(t, err)

	mockStore.AssertExpectations(t)
}
