/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package flowcontrol

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"
	"golang.org/x/time/rate"
)

// RateLimiter paces admissions in the throttled state.
// Implementations must be safe for concurrent use: every successful Wait consumes its own slot.
type RateLimiter interface {
	// Wait blocks until the next slot (at least 1/rate after the previous one) or until ctx is done.
	Wait(ctx context.Context) error

	// SetRate changes the rate (per second). A rate <= 0 means unlimited.
	SetRate(perSecond float64)

	// Rate returns the current rate. Zero means unlimited.
	Rate() float64
}

// NewRateLimiter creates a RateLimiter for the given algorithm. The limiter starts unlimited.
func NewRateLimiter(alg RateLimitAlg) (RateLimiter, error) {
	switch alg {
	case RateLimitAlgInterval, "":
		return NewIntervalLimiter(), nil
	case RateLimitAlgLeakyBucket:
		return NewLeakyBucketLimiter(), nil
	}
	return nil, fmt.Errorf("unknown rate limiting algorithm %q", alg)
}

// IntervalLimiter is a token bucket with the burst of 1, so permits are spaced by 1/rate.
type IntervalLimiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	rate    float64
}

// NewIntervalLimiter creates a new unlimited IntervalLimiter.
func NewIntervalLimiter() *IntervalLimiter {
	return &IntervalLimiter{}
}

// Wait implements RateLimiter.
// The slot is reserved first and given back if ctx is done before it comes,
// so cancellation is always reported as ctx.Err().
func (l *IntervalLimiter) Wait(ctx context.Context) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r := limiter.Reserve()
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SetRate implements RateLimiter.
func (l *IntervalLimiter) SetRate(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perSecond <= 0 {
		l.limiter, l.rate = nil, 0
		return
	}
	l.rate = perSecond
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		return
	}
	l.limiter.SetLimit(rate.Limit(perSecond))
}

// Rate implements RateLimiter.
func (l *IntervalLimiter) Rate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rate
}

// LeakyBucketLimiter implements GCRA (Generic Cell Rate Algorithm) with no burst.
// More details about the algorithm: https://brandur.org/rate-limiting#gcra.
type LeakyBucketLimiter struct {
	mu      sync.Mutex
	limiter *throttled.GCRARateLimiterCtx
	rate    float64
}

const leakyBucketKey = "flow"

// NewLeakyBucketLimiter creates a new unlimited LeakyBucketLimiter.
func NewLeakyBucketLimiter() *LeakyBucketLimiter {
	return &LeakyBucketLimiter{}
}

// Wait implements RateLimiter.
func (l *LeakyBucketLimiter) Wait(ctx context.Context) error {
	for {
		allowed, retryAfter, err := l.allow(ctx)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		timer := time.NewTimer(retryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// allow holds mu only for the non-blocking check, so concurrent callers never race on the same cell.
func (l *LeakyBucketLimiter) allow(ctx context.Context) (allowed bool, retryAfter time.Duration, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiter == nil {
		return true, 0, nil
	}
	limited, res, err := l.limiter.RateLimitCtx(ctx, leakyBucketKey, 1)
	if err != nil {
		return false, 0, fmt.Errorf("leaky bucket rate limit: %w", err)
	}
	return !limited, res.RetryAfter, nil
}

// SetRate implements RateLimiter. The bucket state is dropped on every change.
func (l *LeakyBucketLimiter) SetRate(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if perSecond <= 0 {
		l.limiter, l.rate = nil, 0
		return
	}
	emissionInterval := time.Duration(float64(time.Second) / perSecond)
	if emissionInterval <= 0 {
		emissionInterval = 1
	}
	gcraStore, err := memstore.NewCtx(1)
	if err != nil {
		// memstore.NewCtx fails only for a negative key count
		panic(fmt.Errorf("new in-memory store: %w", err))
	}
	gcraLimiter, err := throttled.NewGCRARateLimiterCtx(gcraStore, throttled.RateQuota{
		MaxRate:  throttled.PerDuration(1, emissionInterval),
		MaxBurst: 0,
	})
	if err != nil {
		panic(fmt.Errorf("new GCRA rate limiter: %w", err))
	}
	l.limiter, l.rate = gcraLimiter, perSecond
}

// Rate implements RateLimiter.
func (l *LeakyBucketLimiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}
