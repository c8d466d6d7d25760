package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// tokenBucketScript refills and takes from one bucket atomically.
// KEYS[1] bucket hash; ARGV capacity, refill per ms, now ms, cost, ttl ms.
// Returns {allowed, remaining, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "at")
local tokens = tonumber(state[1]) or capacity
local at = tonumber(state[2]) or now

tokens = math.min(capacity, tokens + math.max(0, now - at) * refill)

local wait = 0
local granted = 0
if tokens >= cost then
  tokens = tokens - cost
  granted = 1
else
  wait = math.ceil((cost - tokens) / refill)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "at", now)
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {granted, math.floor(tokens), wait}
`)

// RedisTokenBucket shares one bucket per subject across processes, so
// every worker draws on the same upstream quota.
type RedisTokenBucket struct {
	client      redis.UniversalClient
	capacity    int64
	refillPerMS float64
	ttl         time.Duration
	keyPrefix   string
	now         func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, fmt.Errorf("redis client is required")
	case capacity <= 0:
		return nil, fmt.Errorf("capacity must be positive")
	case window <= 0:
		return nil, fmt.Errorf("window must be positive")
	}
	if strings.TrimSpace(keyPrefix) == "" {
		keyPrefix = "faceflow:ratelimit"
	}

	return &RedisTokenBucket{
		client:      client,
		capacity:    int64(capacity),
		refillPerMS: float64(capacity) / float64(max(window.Milliseconds(), 1)),
		ttl:         2 * window,
		keyPrefix:   keyPrefix,
		now:         time.Now,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}

func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	values, err := tokenBucketScript.Run(
		ctx,
		l.client,
		[]string{l.key(subject)},
		l.capacity,
		l.refillPerMS,
		l.now().UTC().UnixMilli(),
		1,
		max(l.ttl.Milliseconds(), 1),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run token bucket script: %w", err)
	}
	if len(values) != 3 {
		return Decision{}, fmt.Errorf("invalid token bucket response: %v", values)
	}

	return Decision{
		Allowed:    values[0] == 1,
		Remaining:  values[1],
		RetryAfter: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

// Wait blocks until the bucket for subject admits one request.
func (l *RedisTokenBucket) Wait(ctx context.Context, subject string) error {
	for {
		decision, err := l.Allow(ctx, subject)
		if err != nil {
			return err
		}
		if decision.Allowed {
			return nil
		}

		timer := time.NewTimer(max(decision.RetryAfter, time.Millisecond))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
