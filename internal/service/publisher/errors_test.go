package publisher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient(503, "unavailable", nil)))
	assert.True(t, IsTransient(fmt.Errorf("send: %w", Transient(429, "slow down", nil))))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.False(t, IsTransient(Permanent(400, "bad request", nil)))
	assert.False(t, IsTransient(errors.New("boom")))
	assert.False(t, IsTransient(nil))
}

func TestDeliveryErrorMessage(t *testing.T) {
	err := Permanent(403, "forbidden", nil)
	err.CredentialRejected = true

	assert.Equal(t, "permanent error (status 403): forbidden", err.Error())
	assert.True(t, IsCredentialRejected(fmt.Errorf("wrapped: %w", err)))

	cause := errors.New("connection reset")
	assert.Equal(t, "transient error: connection reset", Transient(0, "", cause).Error())
	assert.ErrorIs(t, Transient(0, "", cause), cause)
}
