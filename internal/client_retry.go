package internal

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy retries transient failures with capped exponential backoff.
// Permanent failures abort immediately.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Do runs op until it succeeds, fails permanently, runs out of attempts, or
// ctx is cancelled. The last error is returned.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(p.delay(i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}

// delay returns the backoff before attempt i (i >= 1), jittered within
// [d/2, d] so synchronized clients spread out.
func (p RetryPolicy) delay(i int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 2 * time.Second
	}
	d := max
	if i-1 < 30 {
		if d = base << (i - 1); d > max {
			d = max
		}
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
