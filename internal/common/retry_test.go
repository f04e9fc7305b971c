package common

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/ternarybob/arbor"
)

func TestCalculateBackoffBounds(t *testing.T) {
	p := &RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, BackoffMultiplier: 2}

	for attempt := 0; attempt < 10; attempt++ {
		d := p.CalculateBackoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Duration(float64(time.Second)*1.25), "attempt %d", attempt)
	}

	first := p.CalculateBackoff(0)
	assert.GreaterOrEqual(t, first, 75*time.Millisecond)
	assert.LessOrEqual(t, first, 125*time.Millisecond)
}

func fastPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, BackoffMultiplier: 2}
}

func TestExecuteWithRetryRecovers(t *testing.T) {
	calls := 0
	status, err := fastPolicy().ExecuteWithRetry(context.Background(), arbor.NewLogger(), func() (int, error) {
		calls++
		if calls < 3 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})

	assert.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetryStopsOnClientError(t *testing.T) {
	calls := 0
	status, err := fastPolicy().ExecuteWithRetry(context.Background(), arbor.NewLogger(), func() (int, error) {
		calls++
		return http.StatusBadRequest, errors.New("bad request")
	})

	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 1, calls)
}

func TestExecuteWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour, BackoffMultiplier: 1}

	calls := 0
	_, err := p.ExecuteWithRetry(ctx, arbor.NewLogger(), func() (int, error) {
		calls++
		cancel()
		return 0, context.DeadlineExceeded
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
