package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Policy controls how an operation is retried.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// JitterRatio spreads each delay uniformly over ±ratio of its value.
	JitterRatio float64
	// ShouldRetry classifies an error as transient. Nil retries nothing.
	ShouldRetry func(err error) bool
	// OnRetry, when set, observes each failed attempt before sleeping.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Delay returns the un-jittered delay after the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

func (p Policy) jittered(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.JitterRatio <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * p.JitterRatio
	j := float64(d) + (rand.Float64()*2-1)*spread
	if j < 0 {
		j = 0
	}
	return time.Duration(j)
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or ctx is done. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || p.ShouldRetry == nil || !p.ShouldRetry(err) {
			return zero, err
		}

		delay := p.jittered(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}
