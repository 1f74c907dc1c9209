// Package ratelimit implements the per-recipient sliding-window quota (C3):
// at most maxPerHour allow()=true calls for a key in any contiguous hour,
// and at most maxPerDay across any 24-hour window. The durable adapter is
// Redis-backed (sorted sets, grounded on the teacher's store/redis.go Lua
// scripting pattern); the local adapter reuses the teacher's
// scheduler.TokenBucketLimiter map-of-limiters-with-mutex shape. The
// fetcher's outbound pacing uses golang.org/x/time/rate directly, not
// this package.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	xrate "golang.org/x/time/rate"
)

// Limiter is the contract C3 exposes to callers: allow(key) -> bool.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Windows bundles the hour+day ceiling pair the spec requires per key.
type Windows struct {
	MaxPerHour int
	MaxPerDay  int
}

// RedisSlidingWindow enforces Windows per key using two Redis sorted sets
// (one for the hour window, one for the day window, both scored by
// millisecond timestamp), trimmed with ZREMRANGEBYSCORE before ZCARD so
// expired entries never count against the ceiling. Grounded on
// store/redis.go's pattern of preloading behavior into an atomic Lua
// script; each window is one script call.
type RedisSlidingWindow struct {
	client  *redis.Client
	windows Windows
}

func NewRedisSlidingWindow(client *redis.Client, w Windows) *RedisSlidingWindow {
	return &RedisSlidingWindow{client: client, windows: w}
}

// slidingWindowScript atomically trims the window to [now-windowMs, now],
// counts survivors, and — only if under the ceiling — adds the new entry.
// Returns 1 if admitted, 0 if the window is full.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])
local ceiling = tonumber(ARGV[3])
local member = ARGV[4]

redis.call("ZREMRANGEBYSCORE", key, "-inf", now - windowMs)
local count = redis.call("ZCARD", key)
if count >= ceiling then
	return 0
end
redis.call("ZADD", key, now, member)
redis.call("PEXPIRE", key, windowMs)
return 1
`

func (l *RedisSlidingWindow) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now().UnixMilli()
	member := fmt.Sprintf("%d-%s", now, key)

	hourKey := "ratelimit:hour:" + key
	hourRes, err := l.client.Eval(ctx, slidingWindowScript, []string{hourKey},
		now, time.Hour.Milliseconds(), l.windows.MaxPerHour, member).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: hour window eval: %w", err)
	}
	if toInt64(hourRes) == 0 {
		return false, nil
	}

	dayKey := "ratelimit:day:" + key
	dayRes, err := l.client.Eval(ctx, slidingWindowScript, []string{dayKey},
		now, (24 * time.Hour).Milliseconds(), l.windows.MaxPerDay, member).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: day window eval: %w", err)
	}
	if toInt64(dayRes) == 0 {
		// Roll back the hour-window reservation: the day ceiling is hit,
		// so this call must not count against the hour either.
		l.client.ZRem(ctx, hourKey, member)
		return false, nil
	}

	return true, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

// LocalWindow is an in-process limiter that needs no Redis; in this
// module only tests construct it. It keeps a
// token-bucket rate.Limiter per key, matching the teacher's
// TokenBucketLimiter shape, sized so its steady-state rate approximates
// the per-hour ceiling.
type LocalWindow struct {
	mu       sync.Mutex
	limiters map[string]*xrate.Limiter
	windows  Windows
}

func NewLocalWindow(w Windows) *LocalWindow {
	return &LocalWindow{
		limiters: make(map[string]*xrate.Limiter),
		windows:  w,
	}
}

func (l *LocalWindow) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[key]
	if !ok {
		perSecond := float64(l.windows.MaxPerHour) / 3600.0
		lim = xrate.NewLimiter(xrate.Limit(perSecond), l.windows.MaxPerHour)
		l.limiters[key] = lim
	}
	return lim.Allow(), nil
}
