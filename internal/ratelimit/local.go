package ratelimit

import (
	"context"
	"sync"
	"time"
)

// record 一個識別碼在當前視窗的計數
type record struct {
	count   int
	resetAt time.Time
}

// TokenBucket 固定視窗限流器
//
// 視窗從識別碼第一次使用開始，額度用完後直到 resetAt 都拒絕，
// 之後重新開一個視窗並從 1 開始計數。
type TokenBucket struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	records map[string]record
}

// NewTokenBucket 建立固定視窗限流器
func NewTokenBucket(cfg Config, opts ...Option) *TokenBucket {
	o := buildOptions(opts)
	return &TokenBucket{
		cfg:     cfg,
		now:     o.now,
		records: make(map[string]record),
	}
}

// Check 實現 Limiter
func (tb *TokenBucket) Check(_ context.Context, id string) Result {
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	rec, ok := tb.records[id]
	if !ok || !now.Before(rec.resetAt) {
		rec = record{resetAt: now.Add(tb.cfg.Window)}
	}

	if rec.count >= tb.cfg.MaxRequests {
		tb.records[id] = rec
		return Result{Allowed: false, Remaining: 0, ResetAt: rec.resetAt}
	}

	rec.count++
	tb.records[id] = rec
	return Result{
		Allowed:   true,
		Remaining: tb.cfg.MaxRequests - rec.count,
		ResetAt:   rec.resetAt,
	}
}

// Reset 實現 Limiter
func (tb *TokenBucket) Reset(_ context.Context, id string) error {
	tb.mu.Lock()
	delete(tb.records, id)
	tb.mu.Unlock()
	return nil
}

// ResetAll 實現 Limiter
func (tb *TokenBucket) ResetAll(_ context.Context) error {
	tb.mu.Lock()
	tb.records = make(map[string]record)
	tb.mu.Unlock()
	return nil
}

// Cleanup 以複製後過濾的方式移除過期視窗
func (tb *TokenBucket) Cleanup() int {
	now := tb.now()

	tb.mu.Lock()
	defer tb.mu.Unlock()

	live := make(map[string]record, len(tb.records))
	for id, rec := range tb.records {
		if now.Before(rec.resetAt) {
			live[id] = rec
		}
	}
	removed := len(tb.records) - len(live)
	tb.records = live
	return removed
}

// Len 目前追蹤的識別碼數量
func (tb *TokenBucket) Len() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.records)
}

// SlidingWindow 滑動視窗限流器
//
// 每個識別碼保留視窗內被接受的請求時間，時間 t 在 now-Window < t 時仍計入。
type SlidingWindow struct {
	cfg      Config
	now      func() time.Time
	mu       sync.Mutex
	requests map[string][]time.Time
}

// NewSlidingWindow 建立滑動視窗限流器
func NewSlidingWindow(cfg Config, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		cfg:      cfg,
		now:      o.now,
		requests: make(map[string][]time.Time),
	}
}

// Check 實現 Limiter
func (sw *SlidingWindow) Check(_ context.Context, id string) Result {
	now := sw.now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	times := prune(sw.requests[id], now.Add(-sw.cfg.Window))

	if len(times) >= sw.cfg.MaxRequests {
		sw.requests[id] = times
		return Result{Allowed: false, Remaining: 0, ResetAt: times[0].Add(sw.cfg.Window)}
	}

	times = append(times, now)
	sw.requests[id] = times
	return Result{
		Allowed:   true,
		Remaining: sw.cfg.MaxRequests - len(times),
		ResetAt:   times[0].Add(sw.cfg.Window),
	}
}

// prune 移除 cutoff 以前（含）的時間，times 依時間排序
func prune(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && !times[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return times
	}
	// 複製到新的 slice，避免舊陣列一直被引用
	kept := make([]time.Time, len(times)-i, cap(times))
	copy(kept, times[i:])
	return kept
}

// Reset 實現 Limiter
func (sw *SlidingWindow) Reset(_ context.Context, id string) error {
	sw.mu.Lock()
	delete(sw.requests, id)
	sw.mu.Unlock()
	return nil
}

// ResetAll 實現 Limiter
func (sw *SlidingWindow) ResetAll(_ context.Context) error {
	sw.mu.Lock()
	sw.requests = make(map[string][]time.Time)
	sw.mu.Unlock()
	return nil
}

// Cleanup 移除視窗內已無請求的識別碼
func (sw *SlidingWindow) Cleanup() int {
	now := sw.now()
	cutoff := now.Add(-sw.cfg.Window)

	sw.mu.Lock()
	defer sw.mu.Unlock()

	live := make(map[string][]time.Time, len(sw.requests))
	for id, times := range sw.requests {
		if kept := prune(times, cutoff); len(kept) > 0 {
			live[id] = kept
		}
	}
	removed := len(sw.requests) - len(live)
	sw.requests = live
	return removed
}

// Len 目前追蹤的識別碼數量
func (sw *SlidingWindow) Len() int {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.requests)
}
