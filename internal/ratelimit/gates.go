package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Action 受限流保護的動作類別，每個類別有獨立的識別碼空間
type Action string

// 受限流的動作
const (
	ActionChat       Action = "chat"
	ActionPosition   Action = "position"
	ActionRoomCreate Action = "room-create"
)

// Gates 依動作類別分派到各自的限流器
//
// 沒有設定限流器的動作一律允許。
type Gates struct {
	limiters map[Action]Limiter
}

// NewGates 建立限流閘門
func NewGates(limiters map[Action]Limiter) *Gates {
	g := &Gates{limiters: make(map[Action]Limiter, len(limiters))}
	for action, l := range limiters {
		if l != nil {
			g.limiters[action] = l
		}
	}
	return g
}

// Check 檢查某動作下的識別碼
func (g *Gates) Check(ctx context.Context, action Action, id string) Result {
	l, ok := g.limiters[action]
	if !ok {
		return Result{Allowed: true, Remaining: -1}
	}
	return l.Check(ctx, id)
}

// Limiter 取得某動作的限流器
func (g *Gates) Limiter(action Action) (Limiter, bool) {
	l, ok := g.limiters[action]
	return l, ok
}

// ResetID 清除識別碼在所有動作下的紀錄（連線關閉時使用）
func (g *Gates) ResetID(ctx context.Context, id string) error {
	var errs []error
	for _, l := range g.limiters {
		if err := l.Reset(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ResetAll 清除所有紀錄
func (g *Gates) ResetAll(ctx context.Context) error {
	var errs []error
	for _, l := range g.limiters {
		if err := l.ResetAll(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup 清理所有單機限流器的過期紀錄
func (g *Gates) Cleanup() int {
	removed := 0
	for _, l := range g.limiters {
		if s, ok := l.(Sweeper); ok {
			removed += s.Cleanup()
		}
	}
	return removed
}

// Run 定期清理，直到 ctx 取消
func (g *Gates) Run(ctx context.Context, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := g.Cleanup(); n > 0 {
				logger.Debug("rate limit records swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
