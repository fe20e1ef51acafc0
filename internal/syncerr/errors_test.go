package syncerr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := Validation("merge", errors.New("missing id"))
	wrapped := fmt.Errorf("pull service 42: %w", base)

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.True(t, IsValidation(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}

func TestRateLimited_CarriesRemaining(t *testing.T) {
	err := RateLimited("list services", 1500*time.Millisecond)

	d, ok := RetryAfter(err)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)
	assert.Contains(t, err.Error(), "retry in 2s")
}

func TestRemainingSeconds(t *testing.T) {
	assert.Equal(t, 0, RemainingSeconds(0))
	assert.Equal(t, 0, RemainingSeconds(-time.Second))
	assert.Equal(t, 1, RemainingSeconds(time.Millisecond))
	assert.Equal(t, 30, RemainingSeconds(30*time.Second))
}
