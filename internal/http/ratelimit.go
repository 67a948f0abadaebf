package httpapi

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/mechanic-dispatch/internal/auth"
)

// RateLimiter is a token bucket per caller kept in Redis, so every API
// instance draws from the same budget. Authenticated callers are keyed by
// subject, anonymous ones by client address.
type RateLimiter struct {
	client redis.Scripter
	rate   float64
	burst  float64
	script *redis.Script
	logger *zap.Logger
	now    func() time.Time
}

func NewRateLimiter(client redis.Scripter, rate float64, burst int, logger *zap.Logger) *RateLimiter {
	if client == nil || rate <= 0 || burst <= 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		rate:   rate,
		burst:  float64(burst),
		script: redis.NewScript(tokenBucketLua),
		logger: logger,
		now:    time.Now,
	}
}

// Middleware rejects callers over budget with 429. A Redis failure lets the
// request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := l.Allow(r.Context(), callerKey(r))
		if err != nil {
			l.logger.Warn("rate limiter unavailable", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", formatRetryAfter(retryAfter))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Message: "Too many requests, please try again later"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *RateLimiter) Allow(ctx context.Context, identifier string) (bool, time.Duration, error) {
	key := "rl:" + identifier
	result, err := l.script.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), l.rate, l.burst, 1).Result()
	if err != nil {
		return false, 0, err
	}
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, errors.New("invalid redis response")
	}
	allowed, err := toInt64(values[0])
	if err != nil {
		return false, 0, err
	}
	if allowed == 1 {
		return true, 0, nil
	}
	wait, err := toFloat64(values[2])
	if err != nil {
		return false, 0, err
	}
	return false, time.Duration(math.Ceil(wait*1000)) * time.Millisecond, nil
}

func callerKey(r *http.Request) string {
	if c, ok := auth.ClaimsFromContext(r.Context()); ok && c.Subject != "" {
		return "sub:" + c.Subject
	}
	return "ip:" + remoteIP(r)
}

func formatRetryAfter(d time.Duration) string {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

// Lua numbers come back as int64 and the wait is returned as a string so
// that fractions survive the Redis integer reply conversion.
func toFloat64(v interface{}) (float64, error) {
	switch val := v.(type) {
	case int64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(val), 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

func toInt64(v interface{}) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case float64:
		return int64(val), nil
	case string:
		return strconv.ParseInt(val, 10, 64)
	default:
		return 0, errors.New("unsupported type")
	}
}

const tokenBucketLua = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local capacity = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'timestamp')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
  tokens = capacity
end
if last == nil then
  last = now_ms
end

local delta = math.max(0, now_ms - last)
tokens = math.min(capacity, tokens + delta * rate / 1000)

local allowed = 0
local wait = 0
if tokens >= requested then
  tokens = tokens - requested
  allowed = 1
else
  wait = (requested - tokens) / rate
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'timestamp', ARGV[1])
redis.call('PEXPIRE', key, math.ceil((capacity / rate) * 1000) + 1000)

return {allowed, math.floor(tokens), tostring(wait)}
`
