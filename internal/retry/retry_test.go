package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts uint64, retryIf func(error) bool) Policy {
	return Policy{
		StartingDelay: time.Millisecond,
		MaxDelay:      4 * time.Millisecond,
		Multiplier:    2,
		MaxAttempts:   attempts,
		RetryIf:       retryIf,
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy(5, nil).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	boom := errors.New("still broken")
	calls := 0
	err := fastPolicy(4, nil).Do(context.Background(), func() error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 4, calls)
}

func TestDo_RetryIfRejectsImmediately(t *testing.T) {
	fatal := errors.New("constraint violation")
	calls := 0
	policy := fastPolicy(10, func(err error) bool { return false })
	err := policy.Do(context.Background(), func() error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_RetryIfSelectsErrors(t *testing.T) {
	retriable := errors.New("deadlock")
	fatal := errors.New("syntax error")
	calls := 0
	policy := fastPolicy(10, func(err error) bool { return errors.Is(err, retriable) })
	err := policy.Do(context.Background(), func() error {
		calls++
		if calls == 1 {
			return retriable
		}
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancellationStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy(1000, nil).Do(ctx, func() error {
		calls++
		if calls == 2 {
			cancel()
		}
		return errors.New("transient")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3)
}

func TestDefaults(t *testing.T) {
	sw := StoreWrite(nil)
	assert.Equal(t, 100*time.Millisecond, sw.StartingDelay)
	assert.Equal(t, 1600*time.Millisecond, sw.MaxDelay)
	assert.Equal(t, uint64(20), sw.MaxAttempts)

	sub := Subscriber(nil)
	assert.Equal(t, 100*time.Millisecond, sub.StartingDelay)
	assert.Equal(t, 6400*time.Millisecond, sub.MaxDelay)
	assert.Equal(t, uint64(24), sub.MaxAttempts)
}
