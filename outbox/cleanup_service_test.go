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

func TestCleanupService_DeletesPublished(t *testing.T) {
	mockStore := new(storage.MockStore)

	service := NewCleanupService(mockStore, zap.NewNop(),
		WithCleanupServiceRetention(48*time.Hour),
	)

	mockStore.On("DeletePublished", mock.Anything, 48*time.Hour).Return(int64(42), nil).Once()

	err := service.Cleanup(context.Background())
	assert.NoError(t, err)

	mockStore.AssertExpectations(t)
}

func TestCleanupService_ErrorIsSwallowed(t *testing.T) {
	mockStore := new(storage.MockStore)

	service := NewCleanupService(mockStore, zap.NewNop())

	mockStore.On("DeletePublished", mock.Anything, defaultPublishedRetention).
		Return(int64(0), errors.New("db down")).Once()

	err := service.Cleanup(context.Background())
	assert.NoError(t, err, "cleanup failures must not stop the worker")

	mockStore.AssertExpectations(t)
}
