// Package retry runs operations under exponential backoff with jitter
// and classified retryability.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes a bounded exponential backoff. Delays grow from
// StartingDelay by Multiplier up to MaxDelay, jittered across the full
// interval so herds of retriers spread out.
type Policy struct {
	StartingDelay time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	MaxAttempts   uint64

	// RetryIf restricts which errors are retried. Nil retries
	// everything; errors it rejects surface immediately.
	RetryIf func(error) bool
}

// StoreWrite is the policy for event-log writes: only a small classified
// set of persistence faults (serialization failure, deadlock) is worth
// retrying, and the log write sits on the command path so the cap stays
// tight.
func StoreWrite(retryIf func(error) bool) Policy {
	return Policy{
		StartingDelay: 100 * time.Millisecond,
		MaxDelay:      1600 * time.Millisecond,
		Multiplier:    2,
		MaxAttempts:   20,
		RetryIf:       retryIf,
	}
}

// Subscriber is the redelivery policy for stream consumers.
func Subscriber(retryIf func(error) bool) Policy {
	return Policy{
		StartingDelay: 100 * time.Millisecond,
		MaxDelay:      6400 * time.Millisecond,
		Multiplier:    2,
		MaxAttempts:   24,
		RetryIf:       retryIf,
	}
}

// Do runs op until it succeeds, the policy is exhausted, an error fails
// the RetryIf classification, or ctx is done. The last error is
// returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.StartingDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 1
	b.MaxElapsedTime = 0

	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.RetryIf != nil && !p.RetryIf(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, attempts-1), ctx))
}
