// Package reconnect 斷線重連的退避策略
//
// 全部是純函數：時間與亂數來源由呼叫端注入（Policy），
// 連線管理器依這些結果決定何時、是否再次嘗試連線。
package reconnect

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"time"
)

// 致命錯誤碼：遇到時不再重連
const (
	CodeAuthFailed     = "AUTH_FAILED"
	CodeBanned         = "BANNED"
	CodeInvalidVersion = "INVALID_VERSION"
)

var fatalCodes = []string{CodeAuthFailed, CodeBanned, CodeInvalidVersion}

// 預設參數
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 5
)

// State 重連狀態，只由退避演算法修改
type State struct {
	Attempts       int
	LastAttempt    time.Time
	NextAttempt    time.Time
	IsReconnecting bool
}

// Policy 退避參數與可注入的時鐘、亂數
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      bool
	MaxAttempts int

	Now    func() time.Time
	Random func() float64 // [0, 1)
}

// DefaultPolicy 返回預設策略
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Multiplier:  DefaultMultiplier,
		Jitter:      true,
		MaxAttempts: DefaultMaxAttempts,
		Now:         time.Now,
		Random:      rand.Float64,
	}
}

func (p Policy) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Policy) random() float64 {
	if p.Random == nil {
		return rand.Float64()
	}
	return p.Random()
}

// Backoff 以策略參數計算第 attempt 次的延遲
func (p Policy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult <= 0 {
		mult = DefaultMultiplier
	}
	return backoff(attempt, p.BaseDelay, p.MaxDelay, mult, p.Jitter, p.random)
}

// ShouldAttempt 見 ShouldAttemptReconnect
func (p Policy) ShouldAttempt(s State, errorCode string) bool {
	return ShouldAttemptReconnect(s, p.MaxAttempts, errorCode)
}

// CanReconnectNow 見 CanReconnectNow
func (p Policy) CanReconnectNow(s State) bool {
	return canReconnectAt(s, p.now())
}

// Update 見 UpdateReconnectionState
func (p Policy) Update(s State, delay time.Duration) State {
	return updateAt(s, delay, p.now())
}

// CalculateBackoff 計算指數退避延遲
//
// delay = min(base * multiplier^attempt, max)；jitter 開啟時落在 [50%, 100%]。
func CalculateBackoff(attempt int, baseDelay, maxDelay time.Duration, multiplier float64, jitter bool) time.Duration {
	return backoff(attempt, baseDelay, maxDelay, multiplier, jitter, rand.Float64)
}

func backoff(attempt int, baseDelay, maxDelay time.Duration, multiplier float64, jitter bool, random func() float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(baseDelay) * math.Pow(multiplier, float64(attempt))
	// 溢位或 +Inf 時直接取上限
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(maxDelay) {
		d = float64(maxDelay)
	}
	if jitter {
		d *= 0.5 + random()*0.5
	}
	return time.Duration(d)
}

// ShouldAttemptReconnect 是否應該嘗試重連
//
// 次數用完、致命錯誤碼、或已在重連中都返回 false。
func ShouldAttemptReconnect(s State, maxAttempts int, errorCode string) bool {
	if s.Attempts >= maxAttempts {
		return false
	}
	if IsFatal(errorCode) {
		return false
	}
	return !s.IsReconnecting
}

// IsFatal 是否為致命錯誤碼
func IsFatal(code string) bool {
	return slices.Contains(fatalCodes, code)
}

// CanReconnectNow now >= NextAttempt
func CanReconnectNow(s State) bool {
	return canReconnectAt(s, time.Now())
}

func canReconnectAt(s State, now time.Time) bool {
	return !now.Before(s.NextAttempt)
}

// UpdateReconnectionState 記錄一次排程中的重連
func UpdateReconnectionState(s State, delay time.Duration) State {
	return updateAt(s, delay, time.Now())
}

func updateAt(s State, delay time.Duration, now time.Time) State {
	return State{
		Attempts:       s.Attempts + 1,
		LastAttempt:    now,
		NextAttempt:    now.Add(delay),
		IsReconnecting: true,
	}
}

// ResetReconnectionState 歸零
func ResetReconnectionState() State {
	return State{}
}

// ReconnectMessage 給使用者看的狀態文字
func ReconnectMessage(attempt, maxAttempts int) string {
	switch {
	case attempt >= maxAttempts:
		return "Unable to reconnect. Please refresh the page."
	case attempt <= 1:
		return "Connection lost. Reconnecting..."
	default:
		return fmt.Sprintf("Reconnecting... (attempt %d of %d)", attempt, maxAttempts)
	}
}
