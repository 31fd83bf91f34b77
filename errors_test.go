package sagaflow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	cause := errors.New("order id is required")
	err := NewValidationError(cause)

	assert.True(t, IsValidation(err))
	assert.True(t, IsValidation(fmt.Errorf("start saga: %w", err)))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, NewValidationError(nil))
	assert.False(t, IsValidation(cause))
}

func TestPermanentError(t *testing.T) {
	cause := errors.New("payload is not serializable")
	err := Permanent(cause)

	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(fmt.Errorf("publish: %w", err)))
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(cause))
}

func TestBusinessFailure(t *testing.T) {
	err := &BusinessFailure{Code: "INSUFFICIENT_STOCK", Reason: "requested 5, have 2"}

	assert.True(t, IsBusinessFailure(err))
	assert.True(t, IsBusinessFailure(fmt.Errorf("reserve: %w", err)))
	assert.Contains(t, err.Error(), "INSUFFICIENT_STOCK")
	assert.False(t, IsBusinessFailure(errors.New("connection refused")))
}

func TestTimeoutError(t *testing.T) {
	err := &TimeoutError{Step: "RESERVING_STOCK"}

	assert.True(t, IsTimeout(err))
	assert.True(t, IsTimeout(fmt.Errorf("deadline: %w", err)))
	assert.Contains(t, err.Error(), "RESERVING_STOCK")
	assert.False(t, IsTimeout(ErrVersionConflict))
}
