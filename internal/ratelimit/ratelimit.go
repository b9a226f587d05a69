// Package ratelimit 每個識別碼的請求限流。
//
// 兩種策略共用同一個 Limiter 介面：
//   - token-bucket：從第一次使用起算的固定視窗，視窗內最多 MaxRequests 次
//   - sliding-window：記錄每次請求時間，任意 Window 長度的區間內最多 MaxRequests 次
//
// 單機版本以 mutex 保護紀錄表；多實例部署改用 Redis 版本（見 redis.go），
// 呼叫端不需要改變。
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Strategy 限流策略
type Strategy string

// 可用策略
const (
	StrategyTokenBucket   Strategy = "token-bucket"
	StrategySlidingWindow Strategy = "sliding-window"
)

// Config 配額設定
type Config struct {
	MaxRequests int
	Window      time.Duration
}

// Validate 檢查設定
func (c Config) Validate() error {
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max requests must be positive, got %d", c.MaxRequests)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive, got %s", c.Window)
	}
	return nil
}

// Result 單次檢查結果
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter 限流器
type Limiter interface {
	// Check 檢查並計數，同一識別碼的檢查與遞增是原子的
	Check(ctx context.Context, id string) Result
	// Reset 清除單一識別碼的紀錄
	Reset(ctx context.Context, id string) error
	// ResetAll 清除所有紀錄
	ResetAll(ctx context.Context) error
}

// Sweeper 需要定期清理過期紀錄的限流器
type Sweeper interface {
	// Cleanup 移除過期紀錄，返回移除數量
	Cleanup() int
}

// Option 限流器選項
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock 注入時鐘（測試用）
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New 依策略建立單機限流器，strategy 為空時使用 token-bucket
func New(cfg Config, strategy Strategy, opts ...Option) (Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch strategy {
	case StrategyTokenBucket, "":
		return NewTokenBucket(cfg, opts...), nil
	case StrategySlidingWindow:
		return NewSlidingWindow(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unknown rate limit strategy %q", strategy)
	}
}
