package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffPolicyNextDelayGrowsExponentiallyAndCaps(t *testing.T) {
	p := BackoffPolicy{MaxAttempts: 5, InitialWait: 10 * time.Millisecond, MaxWait: 50 * time.Millisecond, Multiplier: 2.0}

	if d := p.NextDelay(0); d != 10*time.Millisecond {
		t.Fatalf("attempt 0: expected 10ms, got %v", d)
	}
	if d := p.NextDelay(1); d != 20*time.Millisecond {
		t.Fatalf("attempt 1: expected 20ms, got %v", d)
	}
	if d := p.NextDelay(10); d != 50*time.Millisecond {
		t.Fatalf("expected cap at MaxWait, got %v", d)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	policy := BackoffPolicy{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2.0}

	result, err := Retry(context.Background(), policy, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if result != "ok" {
		t.Fatalf("expected ok, got %q", result)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetryReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	policy := BackoffPolicy{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond, Multiplier: 2.0}
	wantErr := errors.New("permanent")

	_, err := Retry(context.Background(), policy, func() (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

func TestCircuitBreakerOpensAfterFailureRateThresholdAndHalfOpens(t *testing.T) {
	cb := NewCircuitBreaker(time.Second, 4, 4, 0.5, 5*time.Millisecond, 1)

	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("expected closed breaker to allow call %d", i)
		}
		cb.RecordResult(false)
	}
	if cb.State() != "open" {
		t.Fatalf("expected open after sustained failures, got %s", cb.State())
	}
	if cb.Allow() {
		t.Fatal("expected open breaker to deny calls")
	}

	time.Sleep(10 * time.Millisecond)
	if !cb.Allow() {
		t.Fatal("expected breaker to allow a half-open probe after cooldown")
	}
	cb.RecordResult(true)
	if cb.State() != "closed" {
		t.Fatalf("expected breaker to close after a successful probe, got %s", cb.State())
	}
}

func TestRateLimiterDeniesBeyondCapacity(t *testing.T) {
	rl := NewRateLimiter(2, 0, time.Second, 0)

	if !rl.Allow() || !rl.Allow() {
		t.Fatal("expected first two calls within capacity to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected third call to be denied with no refill")
	}
}

func TestRateLimiterEnforcesPerWindowCap(t *testing.T) {
	rl := NewRateLimiter(100, 100, time.Hour, 1)

	if !rl.Allow() {
		t.Fatal("expected first call within window cap to be allowed")
	}
	if rl.Allow() {
		t.Fatal("expected second call in the same window to be denied by the window cap")
	}
}

func TestHybridRateLimiterAllowsWithinBurstThenQueues(t *testing.T) {
	rl := NewHybridRateLimiter(1, 0, 1, 5*time.Millisecond)
	defer rl.Stop()

	ctx := context.Background()
	if !rl.Allow(ctx) {
		t.Fatal("expected first call within burst capacity to be allowed")
	}
	if rl.Allow(ctx) {
		t.Fatal("expected second immediate call to exhaust the bucket")
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(waitCtx); err != nil {
		t.Fatalf("expected queued request to drain, got %v", err)
	}
}
