// Package retry runs an operation again after transient faults, with
// exponential backoff and jitter. Callers decide what counts as transient;
// everything else fails on the first attempt.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy bounds one retried operation.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy suits short exchange calls: three attempts inside a couple
// of seconds.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
}

// Do runs fn until it succeeds, returns a non-transient error, exhausts the
// policy's attempts, or ctx ends mid-backoff. The backoff doubles per
// attempt up to the ceiling, with up to 50% jitter so synchronized callers
// do not retry in lockstep.
func Do(ctx context.Context, policy Policy, transient func(error) bool, fn func() error) error {
	var err error
	backoff := policy.InitialBackoff

	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return err
		}
		if attempt == policy.MaxAttempts-1 {
			break
		}

		wait := backoff
		if backoff >= 2 {
			wait += time.Duration(rand.Int63n(int64(backoff / 2)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		backoff *= 2
		if backoff > policy.MaxBackoff {
			backoff = policy.MaxBackoff
		}
	}

	return err
}
