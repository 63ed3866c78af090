package migrate

import (
	"context"
	"testing"
	"time"
)

type sleepRecorder struct {
	slept []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.slept = append(r.slept, d)
	return nil
}

func TestCounterStrategySleepsAtCeiling(t *testing.T) {
	recorder := &sleepRecorder{}
	// 30 seconds into a minute, so the boundary is 30 seconds away.
	now := time.Unix(90, 0)
	limiter := NewRateLimiter(RateLimiterOptions{
		Target:         "source",
		Strategy:       StrategyCounter,
		RequestCeiling: 3,
		Clock:          func() time.Time { return now },
		Sleep:          recorder.sleep,
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("wait %d failed: %v", i, err)
		}
	}
	if len(recorder.slept) != 0 {
		t.Fatalf("no sleep expected below the ceiling, got %v", recorder.slept)
	}

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("ceiling wait failed: %v", err)
	}
	if len(recorder.slept) != 1 || recorder.slept[0] != 30*time.Second {
		t.Fatalf("expected one 30s sleep to the minute boundary, got %v", recorder.slept)
	}

	// Window resets after the sleep; the next call proceeds immediately.
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("post-reset wait failed: %v", err)
	}
	if len(recorder.slept) != 1 {
		t.Fatalf("unexpected extra sleep after window reset: %v", recorder.slept)
	}
}

func TestCounterStrategyResetsOnNewMinute(t *testing.T) {
	recorder := &sleepRecorder{}
	now := time.Unix(30, 0)
	limiter := NewRateLimiter(RateLimiterOptions{
		Strategy:       StrategyCounter,
		RequestCeiling: 2,
		Clock:          func() time.Time { return now },
		Sleep:          recorder.sleep,
	})
	ctx := context.Background()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("wait after minute rollover failed: %v", err)
	}
	if len(recorder.slept) != 0 {
		t.Fatalf("count should reset on a new minute, got sleeps %v", recorder.slept)
	}
}

func TestHeaderFeedbackThrottlesBelowLowWater(t *testing.T) {
	recorder := &sleepRecorder{}
	now := time.Unix(45, 0)
	limiter := NewRateLimiter(RateLimiterOptions{
		Target:       "destination",
		Strategy:     StrategyHeaderFeedback,
		LowWaterMark: 10,
		Clock:        func() time.Time { return now },
		Sleep:        recorder.sleep,
	})
	ctx := context.Background()

	limiter.ObserveRemaining(50)
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if len(recorder.slept) != 0 {
		t.Fatalf("healthy quota should not throttle, got %v", recorder.slept)
	}

	limiter.ObserveRemaining(9)
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("throttled wait failed: %v", err)
	}
	if len(recorder.slept) != 1 || recorder.slept[0] != 15*time.Second {
		t.Fatalf("expected one 15s sleep to the minute boundary, got %v", recorder.slept)
	}

	// The depleted flag clears after one sleep.
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("wait after recovery failed: %v", err)
	}
	if len(recorder.slept) != 1 {
		t.Fatalf("expected no further sleeping, got %v", recorder.slept)
	}
}

func TestCounterStrategyIgnoresHeaderFeedback(t *testing.T) {
	recorder := &sleepRecorder{}
	limiter := NewRateLimiter(RateLimiterOptions{
		Strategy:       StrategyCounter,
		RequestCeiling: 100,
		Clock:          func() time.Time { return time.Unix(0, 0) },
		Sleep:          recorder.sleep,
	})
	limiter.ObserveRemaining(0)
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if len(recorder.slept) != 0 {
		t.Fatalf("counter strategy must not act on header feedback, got %v", recorder.slept)
	}
}
