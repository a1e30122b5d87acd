/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package redislimit provides a flowcontrol.RateLimiter whose pacing state lives in Redis,
// so several FlowControl instances (e.g. replicas of one consumer) share the throttled rate.
package redislimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-flowcontrol/flowcontrol"
	"github.com/acronis/go-flowcontrol/log"
)

// DefaultKey is used if Opts.Key is empty.
const DefaultKey = "flowcontrol:gcra"

// gcraScript implements GCRA with no burst. The theoretical arrival time (TAT) is kept in microseconds.
// It returns 0 if the slot is granted and the number of microseconds to wait otherwise.
// The caller's clock is passed in ARGV[1] since TIME is not deterministic for script replication.
var gcraScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local interval = tonumber(ARGV[2])
local tat = tonumber(redis.call("GET", KEYS[1]) or ARGV[1])
if tat < now then
  tat = now
end
if tat > now then
  return tat - now
end
redis.call("SET", KEYS[1], tat + interval, "PX", ARGV[3])
return 0
`)

// Opts represents options for Limiter.
type Opts struct {
	// Key is the Redis key holding the bucket state. Instances sharing the key share the rate.
	Key string

	Logger log.FieldLogger

	// FailClosed makes Wait return Redis errors. By default a slot is granted when Redis is unavailable.
	FailClosed bool
}

// Limiter is a distributed GCRA rate limiter with no burst.
// It implements flowcontrol.RateLimiter.
type Limiter struct {
	client redis.Scripter
	key    string
	logger log.FieldLogger
	opts   Opts
	now    func() time.Time

	mu       sync.RWMutex
	rate     float64
	interval time.Duration
}

var _ flowcontrol.RateLimiter = (*Limiter)(nil)

// New creates a new unlimited Limiter.
func New(client redis.Scripter, opts Opts) *Limiter {
	key := opts.Key
	if key == "" {
		key = DefaultKey
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Limiter{client: client, key: key, logger: logger, opts: opts, now: time.Now}
}

// Wait implements flowcontrol.RateLimiter.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		l.mu.RLock()
		interval := l.interval
		l.mu.RUnlock()
		if interval == 0 {
			return nil
		}

		retryAfter, err := l.reserve(ctx, interval)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if l.opts.FailClosed {
				return err
			}
			l.logger.Warn("redis rate limiter is unavailable, slot is granted", log.Error(err))
			return nil
		}
		if retryAfter <= 0 {
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

func (l *Limiter) reserve(ctx context.Context, interval time.Duration) (time.Duration, error) {
	ttl := interval * 2
	if ttl < time.Second {
		ttl = time.Second
	}
	args := []interface{}{l.now().UnixMicro(), interval.Microseconds(), ttl.Milliseconds()}
	waitUs, err := gcraScript.Run(ctx, l.client, []string{l.key}, args...).Int64()
	if err != nil {
		return 0, fmt.Errorf("run gcra script: %w", err)
	}
	return time.Duration(waitUs) * time.Microsecond, nil
}

// SetRate implements flowcontrol.RateLimiter. The rate is local: every instance sharing
// the key is expected to be configured with the same one.
func (l *Limiter) SetRate(perSecond float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if perSecond <= 0 {
		l.rate, l.interval = 0, 0
		return
	}
	interval := time.Duration(float64(time.Second) / perSecond)
	if interval < time.Microsecond {
		interval = time.Microsecond
	}
	l.rate, l.interval = perSecond, interval
}

// Rate implements flowcontrol.RateLimiter.
func (l *Limiter) Rate() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rate
}
