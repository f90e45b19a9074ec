package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy is a bounded retry-with-backoff policy.
//
// The same policy value is shared by the HN fetcher and the Telegram sink
// so retry behavior is defined in exactly one place.
type Policy struct {
	// MaxAttempts is the total number of tries (first attempt included).
	MaxAttempts int

	// Base is the first retry delay; doubles per retry up to MaxDelay.
	Base     time.Duration
	MaxDelay time.Duration

	// Jitter scales each delay by a random factor in [1-Jitter, 1+Jitter].
	Jitter float64
}

// Defaults mirrors the upstream service limits: 3 attempts, 2s base delay.
func Defaults() Policy {
	return Policy{MaxAttempts: 3, Base: 2 * time.Second, MaxDelay: 30 * time.Second, Jitter: 0.2}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted, or ctx is cancelled. The last error is returned unwrapped from
// any Permanent marker.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt >= attempts {
			break
		}

		d := p.delay(attempt)
		if d > 0 {
			tmr := time.NewTimer(d)
			select {
			case <-ctx.Done():
				if !tmr.Stop() {
					<-tmr.C
				}
				return ctx.Err()
			case <-tmr.C:
			}
		}
	}
	return err
}

// delay computes the backoff before the given retry (retry=1 is the first).
func (p Policy) delay(retry int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := p.MaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if p.Jitter > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
