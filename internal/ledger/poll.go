package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrAttemptsExhausted is returned by Poll when no attempt reached a verdict of Stop.
var ErrAttemptsExhausted = errors.New("ledger: poll attempts exhausted")

// errPending marks an attempt that asked to retry.
var errPending = errors.New("ledger: poll pending")

// Verdict tells Poll whether to keep going.
type Verdict int

const (
	Retry Verdict = iota
	Stop
)

// Policy bounds a polling loop. With Multiplier > 1 the interval grows per
// attempt up to MaxInterval.
type Policy struct {
	Interval    time.Duration
	MaxAttempts int
	Multiplier  float64
	MaxInterval time.Duration
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.Interval)
	}
	maxInterval := p.MaxInterval
	if maxInterval <= 0 {
		maxInterval = backoff.DefaultMaxInterval
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.Interval,
		RandomizationFactor: 0,
		Multiplier:          p.Multiplier,
		MaxInterval:         maxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Poll calls attempt until it returns Stop, the attempts run out or ctx is done.
// Attempts are numbered from 1. On exhaustion the last value is returned with
// ErrAttemptsExhausted joined to the last attempt error.
func Poll[T any](ctx context.Context, p Policy, attempt func(ctx context.Context, n int) (T, Verdict, error)) (T, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var (
		last    T
		lastErr error
		n       int
		stopped bool
	)
	if err := ctx.Err(); err != nil {
		return last, err
	}

	op := func() (T, error) {
		n++
		value, verdict, err := attempt(ctx, n)
		if verdict == Stop {
			stopped = true
			if err != nil {
				return value, backoff.Permanent(err)
			}
			return value, nil
		}
		last, lastErr = value, err
		return value, errPending
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(maxAttempts-1)), ctx)
	value, err := backoff.RetryWithData(op, policy)
	switch {
	case err == nil, stopped:
		return value, err
	case errors.Is(err, errPending):
		return last, errors.Join(ErrAttemptsExhausted, lastErr)
	default:
		return last, err
	}
}
