// Package resilience provides the exponential-backoff retry, adaptive
// circuit breaker and rate limiting primitives shared by the messaging
// protocol, the router's worker calls and the workflow engine's step
// execution, following the pattern set by the teacher's
// libs/go/core/resilience package.
package resilience

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
)

// BackoffPolicy mirrors the workflow/messaging retry configuration: a fixed
// number of attempts with exponential growth from an initial delay, capped
// at a maximum wait.
type BackoffPolicy struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// NextDelay returns the backoff delay before the given zero-indexed retry
// attempt, per spec §4.D: initialDelayMs * backoffMultiplier^attempt.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2.0
	}
	d := time.Duration(float64(p.InitialWait) * pow(mult, float64(attempt)))
	if p.MaxWait > 0 && d > p.MaxWait {
		return p.MaxWait
	}
	return d
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}

// Retry executes fn under an exponential backoff built on
// cenkalti/backoff/v4, the retry library already pulled transitively by the
// teacher's OTLP exporters and promoted here to a direct, intentional
// dependency for workflow step retries. The messaging protocol uses only
// BackoffPolicy.NextDelay, not Retry.
func Retry[T any](ctx context.Context, policy BackoffPolicy, fn func() (T, error)) (T, error) {
	var zero T
	meter := otel.Meter("fleetorch")
	attemptCounter, _ := meter.Int64Counter("fleetorch_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("fleetorch_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("fleetorch_resilience_retry_fail_total")

	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.InitialWait
	if policy.MaxWait > 0 {
		b.MaxInterval = policy.MaxWait
	}
	if policy.Multiplier > 0 {
		b.Multiplier = policy.Multiplier
	}
	b.MaxElapsedTime = 0 // bounded by MaxAttempts below, not wall-clock

	bctx := backoff.WithContext(b, ctx)

	var result T
	var lastErr error
	attempt := 0
	op := func() error {
		attempt++
		attemptCounter.Add(ctx, 1)
		v, err := fn()
		if err == nil {
			result = v
			successCounter.Add(ctx, 1)
			return nil
		}
		lastErr = err
		if attempt >= policy.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, bctx); err != nil {
		failCounter.Add(ctx, 1)
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if lastErr != nil {
			return zero, lastErr
		}
		return zero, err
	}
	return result, nil
}
