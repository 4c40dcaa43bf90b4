package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func failing() (interface{}, error) { return nil, errBackend }

func TestCircuitBreaker_TripsAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		Name:        "test",
		MaxFailures: 3,
		Timeout:     time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, failing)
		require.ErrorIs(t, err, errBackend)
	}
	assert.True(t, cb.IsOpen())
	assert.Equal(t, "open", cb.State())

	called := false
	_, err := cb.Execute(ctx, func() (interface{}, error) {
		called = true
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called, "open circuit must not call through")

	m := cb.Metrics()
	assert.Equal(t, uint64(4), m.TotalRequests)
	assert.Equal(t, uint64(3), m.TotalFailures)
	assert.Equal(t, uint64(1), m.Rejected)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{
		Name:                 "recover",
		MaxFailures:          1,
		Timeout:              20 * time.Millisecond,
		HalfOpenMaxSuccesses: 1,
	})
	ctx := context.Background()

	_, _ = cb.Execute(ctx, failing)
	require.True(t, cb.IsOpen())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, "half-open", cb.State())

	res, err := cb.Execute(ctx, func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", res)
	assert.Equal(t, "closed", cb.State())
}

func TestCircuitBreaker_CancellationDoesNotTrip(t *testing.T) {
	cb := NewCircuitBreakerWithConfig(CircuitBreakerConfig{Name: "cancel", MaxFailures: 1})

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(context.Background(), func() (interface{}, error) {
			return nil, context.Canceled
		})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.False(t, cb.IsOpen())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := cb.Execute(ctx, failing)
	assert.ErrorIs(t, err, context.Canceled, "cancelled context short-circuits")
	assert.False(t, cb.IsOpen())
}

func TestRetry(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func() error {
			calls++
			if calls < 3 {
				return errBackend
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("returns last error after exhaustion", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func() error {
			calls++
			return errBackend
		})
		assert.ErrorIs(t, err, errBackend)
		assert.Equal(t, 3, calls)
	})

	t.Run("open circuit is not retried", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func() error {
			calls++
			return ErrCircuitOpen
		})
		assert.ErrorIs(t, err, ErrCircuitOpen)
		assert.Equal(t, 1, calls)
	})

	t.Run("cancellation stops the loop", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, RetryConfig{MaxAttempts: 5, InitialDelay: time.Hour}, func() error {
			calls++
			cancel()
			return errBackend
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.ErrorIs(t, err, errBackend)
		assert.Equal(t, 1, calls)
	})
}
