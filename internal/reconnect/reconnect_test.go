package reconnect_test

import (
	"testing"
	"time"

	"github.com/koopa0/arcade-sync/internal/reconnect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCalculateBackoff_Monotonic 不加 jitter 時非遞減且不超過上限
func TestCalculateBackoff_Monotonic(t *testing.T) {
	base := 100 * time.Millisecond
	maxDelay := 5 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt <= 64; attempt++ {
		d := reconnect.CalculateBackoff(attempt, base, maxDelay, 2, false)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, maxDelay, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, maxDelay, prev)
}

func TestCalculateBackoff_Values(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{1000, 30 * time.Second},
		{-3, time.Second},
	}

	for _, tt := range tests {
		got := reconnect.CalculateBackoff(tt.attempt, time.Second, 30*time.Second, 2, false)
		assert.Equal(t, tt.want, got, "attempt %d", tt.attempt)
	}
}

// TestCalculateBackoff_JitterBounds jitter 結果落在 [0.5, 1.0] 倍
func TestCalculateBackoff_JitterBounds(t *testing.T) {
	base := 250 * time.Millisecond
	maxDelay := 10 * time.Second

	for attempt := 0; attempt < 10; attempt++ {
		plain := reconnect.CalculateBackoff(attempt, base, maxDelay, 2, false)
		for range 200 {
			d := reconnect.CalculateBackoff(attempt, base, maxDelay, 2, true)
			assert.GreaterOrEqual(t, d, plain/2)
			assert.LessOrEqual(t, d, plain)
		}
	}
}

func TestPolicy_BackoffUsesRandomSource(t *testing.T) {
	p := reconnect.DefaultPolicy()
	p.Random = func() float64 { return 0 }
	assert.Equal(t, 2*time.Second, p.Backoff(2)) // 4s * 0.5

	p.Random = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(4*time.Second), float64(p.Backoff(2)), float64(time.Millisecond))

	p.Jitter = false
	p.Multiplier = 0
	assert.Equal(t, 4*time.Second, p.Backoff(2))
}

// TestShouldAttemptReconnect 重連閘門
func TestShouldAttemptReconnect(t *testing.T) {
	tests := []struct {
		name  string
		state reconnect.State
		max   int
		code  string
		want  bool
	}{
		{"fresh state", reconnect.State{}, 5, "", true},
		{"retryable code", reconnect.State{Attempts: 2}, 5, "TIMEOUT", true},
		{"attempts exhausted", reconnect.State{Attempts: 5}, 5, "", false},
		{"exhausted with retryable code", reconnect.State{Attempts: 5}, 5, "CONNECTION_ERROR", false},
		{"banned at zero", reconnect.State{}, 5, reconnect.CodeBanned, false},
		{"auth failed", reconnect.State{Attempts: 1}, 5, reconnect.CodeAuthFailed, false},
		{"invalid version", reconnect.State{}, 5, reconnect.CodeInvalidVersion, false},
		{"already reconnecting", reconnect.State{Attempts: 1, IsReconnecting: true}, 5, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, reconnect.ShouldAttemptReconnect(tt.state, tt.max, tt.code))
		})
	}
}

func TestUpdateAndCanReconnect(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	p := reconnect.DefaultPolicy()
	p.Now = func() time.Time { return now }

	s := p.Update(reconnect.ResetReconnectionState(), 2*time.Second)
	require.Equal(t, 1, s.Attempts)
	assert.True(t, s.IsReconnecting)
	assert.Equal(t, now, s.LastAttempt)
	assert.Equal(t, now.Add(2*time.Second), s.NextAttempt)
	assert.False(t, p.CanReconnectNow(s))

	now = now.Add(2 * time.Second)
	assert.True(t, p.CanReconnectNow(s))

	s = p.Update(s, time.Second)
	assert.Equal(t, 2, s.Attempts)

	assert.Equal(t, reconnect.State{}, reconnect.ResetReconnectionState())
}

func TestCanReconnectNow_RealClock(t *testing.T) {
	s := reconnect.UpdateReconnectionState(reconnect.State{}, 20*time.Millisecond)
	assert.False(t, reconnect.CanReconnectNow(s))
	time.Sleep(30 * time.Millisecond)
	assert.True(t, reconnect.CanReconnectNow(s))
}

func TestReconnectMessage(t *testing.T) {
	first := reconnect.ReconnectMessage(1, 5)
	middle := reconnect.ReconnectMessage(3, 5)
	final := reconnect.ReconnectMessage(5, 5)

	assert.Contains(t, first, "Reconnecting")
	assert.Contains(t, middle, "3 of 5")
	assert.Contains(t, final, "refresh")
	assert.NotEqual(t, first, middle)
	assert.NotEqual(t, middle, final)
}
