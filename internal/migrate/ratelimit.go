package migrate

import (
	"context"
	"strings"
	"sync"
	"time"
)

type RateLimitStrategy string

const (
	// StrategyCounter tracks a local request count per wall-clock minute and
	// sleeps to the next minute boundary once the ceiling is reached.
	StrategyCounter RateLimitStrategy = "counter"
	// StrategyHeaderFeedback trusts the remote's rate-limit-remaining header
	// and sleeps to the next minute boundary once it drops below the low-water
	// mark. Callers must feed ObserveRemaining after every response.
	StrategyHeaderFeedback RateLimitStrategy = "header_feedback"
)

const (
	defaultRequestCeiling = 290
	defaultLowWaterMark   = 10
)

type RateLimiterOptions struct {
	Target         string
	Strategy       RateLimitStrategy
	RequestCeiling int
	LowWaterMark   int
	Logger         Logger

	// Clock and Sleep are injectable for tests.
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// RateLimiter is the single shared throttle for one remote target. All
// workers hitting that target call Wait before each request; the counter is
// mutex-serialized so throttling caps aggregate throughput, not per-worker
// throughput.
type RateLimiter struct {
	target   string
	strategy RateLimitStrategy
	ceiling  int
	lowWater int
	logger   Logger
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu           sync.Mutex
	windowMinute int64
	count        int
	depleted     bool
}

func NewRateLimiter(opts RateLimiterOptions) *RateLimiter {
	target := strings.TrimSpace(opts.Target)
	if target == "" {
		target = "default"
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyCounter
	}
	ceiling := opts.RequestCeiling
	if ceiling <= 0 {
		ceiling = defaultRequestCeiling
	}
	lowWater := opts.LowWaterMark
	if lowWater <= 0 {
		lowWater = defaultLowWaterMark
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	return &RateLimiter{
		target:   target,
		strategy: strategy,
		ceiling:  ceiling,
		lowWater: lowWater,
		logger:   logger,
		clock:    clock,
		sleep:    sleep,
	}
}

func (l *RateLimiter) Target() string {
	return l.target
}

// Wait is the hit-then-proceed checkpoint. It returns once the caller may
// issue its request. Sleeping happens under the lock: once the budget for the
// window is spent there is nothing useful a sibling worker could do anyway.
func (l *RateLimiter) Wait(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.strategy {
	case StrategyHeaderFeedback:
		if !l.depleted {
			return nil
		}
		if err := l.sleepToMinuteBoundary(ctx); err != nil {
			return err
		}
		l.depleted = false
		return nil
	default:
		now := l.clock()
		minute := now.Unix() / 60
		if minute != l.windowMinute {
			l.windowMinute = minute
			l.count = 0
		}
		l.count++
		if l.count < l.ceiling {
			return nil
		}
		l.logger.Printf("rate limit for %s reached (%d in window), sleeping to minute boundary", l.target, l.count)
		if err := l.sleepToMinuteBoundary(ctx); err != nil {
			return err
		}
		l.windowMinute = l.clock().Unix() / 60
		l.count = 0
		return nil
	}
}

// ObserveRemaining feeds the remote's advertised remaining quota back into the
// limiter. Only the header-feedback strategy acts on it.
func (l *RateLimiter) ObserveRemaining(remaining int) {
	if l == nil || l.strategy != StrategyHeaderFeedback {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if remaining < l.lowWater {
		if !l.depleted {
			l.logger.Printf("rate limit for %s nearly exhausted (remaining %d), throttling", l.target, remaining)
		}
		l.depleted = true
	}
}

func (l *RateLimiter) sleepToMinuteBoundary(ctx context.Context) error {
	seconds := 60 - l.clock().Unix()%60
	return l.sleep(ctx, time.Duration(seconds)*time.Second)
}
