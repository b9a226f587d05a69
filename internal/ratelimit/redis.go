package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 分散式限流：多個伺服器實例共享同一份計數。
//
// 所有檢查都是單一 Lua 腳本，Redis 保證原子性。
// Redis 不可用時降級為允許並記錄警告，可用性優先於精確限流。

// DefaultOpTimeout 單次 Redis 呼叫的逾時
const DefaultOpTimeout = 100 * time.Millisecond

// KEYS[1]: 計數器
// ARGV[1]: 視窗長度（毫秒）
//
// 返回 {count, pttl}
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// KEYS[1]: sorted set
// ARGV[1]: 視窗長度（毫秒）
// ARGV[2]: 上限
// ARGV[3]: 當前時間（毫秒）
// ARGV[4]: 請求 ID
//
// 返回 {allowed, count, oldest}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
    redis.call('ZADD', key, now, ARGV[4])
    count = count + 1
    allowed = 1
end
redis.call('PEXPIRE', key, window)

local oldest = now
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
    oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

// RedisOption Redis 限流器選項
type RedisOption func(*redisLimiter)

// WithRedisClock 注入時鐘
func WithRedisClock(now func() time.Time) RedisOption {
	return func(l *redisLimiter) {
		l.now = now
	}
}

// WithOpTimeout 設定單次呼叫逾時
func WithOpTimeout(d time.Duration) RedisOption {
	return func(l *redisLimiter) {
		l.timeout = d
	}
}

// WithLogger 設定日誌
func WithLogger(logger *slog.Logger) RedisOption {
	return func(l *redisLimiter) {
		l.logger = logger
	}
}

type redisLimiter struct {
	client  redis.UniversalClient
	cfg     Config
	prefix  string
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
}

func newRedisLimiter(client redis.UniversalClient, prefix string, cfg Config, opts []RedisOption) redisLimiter {
	l := redisLimiter{
		client:  client,
		cfg:     cfg,
		prefix:  prefix,
		timeout: DefaultOpTimeout,
		now:     time.Now,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(&l)
	}
	return l
}

func (l *redisLimiter) key(id string) string {
	return l.prefix + ":" + id
}

// degrade Redis 錯誤時允許請求
func (l *redisLimiter) degrade(ctx context.Context, id string, err error) Result {
	l.logger.WarnContext(ctx, "rate limit backend unavailable, allowing request",
		"prefix", l.prefix,
		"id", id,
		"error", err,
	)
	return Result{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests,
		ResetAt:   l.now().Add(l.cfg.Window),
	}
}

// Reset 實現 Limiter
func (l *redisLimiter) Reset(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := l.client.Del(ctx, l.key(id)).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", id, err)
	}
	return nil
}

// ResetAll 以 SCAN 找出前綴下所有 key 並刪除
func (l *redisLimiter) ResetAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := l.client.Scan(ctx, cursor, l.prefix+":*", 100).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", l.prefix, err)
		}
		if len(keys) > 0 {
			if err := l.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", l.prefix, err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// RedisTokenBucket 以 INCR + PEXPIRE 實作的分散式固定視窗
type RedisTokenBucket struct {
	redisLimiter
}

// NewRedisTokenBucket 建立分散式固定視窗限流器，key 為 prefix:id
func NewRedisTokenBucket(client redis.UniversalClient, prefix string, cfg Config, opts ...RedisOption) *RedisTokenBucket {
	return &RedisTokenBucket{redisLimiter: newRedisLimiter(client, prefix, cfg, opts)}
}

// Check 實現 Limiter
func (tb *RedisTokenBucket) Check(ctx context.Context, id string) Result {
	callCtx, cancel := context.WithTimeout(ctx, tb.timeout)
	defer cancel()

	vals, err := fixedWindowScript.Run(callCtx, tb.client,
		[]string{tb.key(id)},
		tb.cfg.Window.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return tb.degrade(ctx, id, err)
	}
	if len(vals) != 2 {
		return tb.degrade(ctx, id, fmt.Errorf("unexpected script reply %v", vals))
	}

	count, ttl := int(vals[0]), time.Duration(vals[1])*time.Millisecond
	resetAt := tb.now().Add(ttl)
	if count > tb.cfg.MaxRequests {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return Result{Allowed: true, Remaining: tb.cfg.MaxRequests - count, ResetAt: resetAt}
}

// RedisSlidingWindow 以 sorted set 實作的分散式滑動視窗
//
// member 使用 UUID，避免同一毫秒的請求互相覆蓋。
type RedisSlidingWindow struct {
	redisLimiter
}

// NewRedisSlidingWindow 建立分散式滑動視窗限流器
func NewRedisSlidingWindow(client redis.UniversalClient, prefix string, cfg Config, opts ...RedisOption) *RedisSlidingWindow {
	return &RedisSlidingWindow{redisLimiter: newRedisLimiter(client, prefix, cfg, opts)}
}

// Check 實現 Limiter
func (sw *RedisSlidingWindow) Check(ctx context.Context, id string) Result {
	callCtx, cancel := context.WithTimeout(ctx, sw.timeout)
	defer cancel()

	now := sw.now()
	vals, err := slidingWindowScript.Run(callCtx, sw.client,
		[]string{sw.key(id)},
		sw.cfg.Window.Milliseconds(),
		sw.cfg.MaxRequests,
		now.UnixMilli(),
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return sw.degrade(ctx, id, err)
	}
	if len(vals) != 3 {
		return sw.degrade(ctx, id, fmt.Errorf("unexpected script reply %v", vals))
	}

	allowed, count := vals[0] == 1, int(vals[1])
	resetAt := time.UnixMilli(vals[2]).Add(sw.cfg.Window)
	if !allowed {
		return Result{Allowed: false, Remaining: 0, ResetAt: resetAt}
	}
	return Result{Allowed: true, Remaining: max(sw.cfg.MaxRequests-count, 0), ResetAt: resetAt}
}

// NewRedis 依策略建立分散式限流器
func NewRedis(client redis.UniversalClient, prefix string, cfg Config, strategy Strategy, opts ...RedisOption) (Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strategy {
	case StrategyTokenBucket, "":
		return NewRedisTokenBucket(client, prefix, cfg, opts...), nil
	case StrategySlidingWindow:
		return NewRedisSlidingWindow(client, prefix, cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}
