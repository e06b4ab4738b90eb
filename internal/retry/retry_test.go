package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 5, Delay: Constant(time.Millisecond)}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Policy{MaxAttempts: 4}, func(context.Context) error {
		calls++
		return errTransient
	})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
}

func TestDoStopsOnFatal(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Do(context.Background(), Policy{
		MaxAttempts: 10,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
	}, func(context.Context) error {
		calls++
		return fatal
	})
	require.ErrorIs(t, err, fatal)
	assert.NotErrorIs(t, err, ErrAttemptsExhausted)
	assert.Equal(t, 1, calls)
}

func TestDoSingleAttemptReturnsPlainError(t *testing.T) {
	err := Do(context.Background(), Policy{}, func(context.Context) error { return errTransient })
	assert.Equal(t, errTransient, err)
}

func TestDoHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := Do(ctx, Policy{MaxAttempts: 3, Delay: Constant(time.Hour)}, func(context.Context) error {
		cancel()
		return errTransient
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDelays(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, Constant(250*time.Millisecond)(7))
	assert.Equal(t, 750*time.Millisecond, Linear(250*time.Millisecond)(3))
}

func TestUntil(t *testing.T) {
	n := 0
	err := Until(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		n++
		return n == 3, nil
	})
	require.NoError(t, err)

	start := time.Now()
	err = Until(context.Background(), 20*time.Millisecond, 100*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPollCarriesLastError(t *testing.T) {
	err := Poll(context.Background(), 10*time.Millisecond, 50*time.Millisecond, func(context.Context) error {
		return errTransient
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, errTransient)
}
