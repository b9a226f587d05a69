package statesync_test

import (
	"testing"
	"time"

	"github.com/koopa0/arcade-sync/internal/statesync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-9

// TestInterpolatePosition_Boundaries alpha=0 得到起點，alpha=1 得到終點
func TestInterpolatePosition_Boundaries(t *testing.T) {
	a := statesync.Position{X: 10, Y: 200, VelocityY: -5, IsGrounded: true}
	b := statesync.Position{X: 30, Y: 120, VelocityY: 8.5, IsGrounded: false}

	start := statesync.InterpolatePosition(a, b, 0)
	assert.InDelta(t, a.X, start.X, tolerance)
	assert.InDelta(t, a.Y, start.Y, tolerance)
	assert.InDelta(t, a.VelocityY, start.VelocityY, tolerance)
	assert.Equal(t, a.IsGrounded, start.IsGrounded)

	end := statesync.InterpolatePosition(a, b, 1)
	assert.InDelta(t, b.X, end.X, tolerance)
	assert.InDelta(t, b.Y, end.Y, tolerance)
	assert.InDelta(t, b.VelocityY, end.VelocityY, tolerance)
	assert.Equal(t, b.IsGrounded, end.IsGrounded)
}

// TestInterpolatePosition_GroundedThreshold IsGrounded 在 0.5 之後才切換
func TestInterpolatePosition_GroundedThreshold(t *testing.T) {
	a := statesync.Position{IsGrounded: false}
	b := statesync.Position{IsGrounded: true}

	tests := []struct {
		alpha float64
		want  bool
	}{
		{0, false},
		{0.25, false},
		{0.5, false},
		{0.5000001, true},
		{0.75, true},
		{1, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statesync.InterpolatePosition(a, b, tt.alpha).IsGrounded, "alpha %v", tt.alpha)
	}
}

func TestInterpolatePosition_MidpointAndClamp(t *testing.T) {
	a := statesync.Position{X: 0, Y: 0, VelocityY: 0}
	b := statesync.Position{X: 10, Y: -20, VelocityY: 4}

	mid := statesync.InterpolatePosition(a, b, 0.5)
	assert.InDelta(t, 5, mid.X, tolerance)
	assert.InDelta(t, -10, mid.Y, tolerance)
	assert.InDelta(t, 2, mid.VelocityY, tolerance)

	assert.Equal(t, a, statesync.InterpolatePosition(a, b, -3))
	assert.Equal(t, b, statesync.InterpolatePosition(a, b, 7))
}

func TestPredictPosition(t *testing.T) {
	pos := statesync.Position{X: 3, Y: 100, VelocityY: -2, IsGrounded: false}

	got := statesync.PredictPosition(pos, pos.VelocityY, 5)
	assert.InDelta(t, 90, got.Y, tolerance)
	assert.InDelta(t, 3, got.X, tolerance)
	assert.Equal(t, pos.VelocityY, got.VelocityY)

	assert.Equal(t, pos, statesync.PredictPosition(pos, 9, 0))
}

// TestSynchronizer 以固定時鐘驗證節奏與延遲
func TestSynchronizer(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := statesync.New(statesync.WithClock(func() time.Time { return now }))
	require.Equal(t, statesync.DefaultSyncInterval, s.Interval())

	tests := []struct {
		name     string
		lastSync time.Time
		want     bool
	}{
		{"just synced", now, false},
		{"49ms ago", now.Add(-49 * time.Millisecond), false},
		{"50ms ago", now.Add(-50 * time.Millisecond), true},
		{"never", time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.ShouldSyncPosition(tt.lastSync))
		})
	}

	assert.Equal(t, 120*time.Millisecond, s.CalculateNetworkDelay(now.Add(-120*time.Millisecond)))

	p := s.CreateSyncPacket(statesync.Player{ID: "p1", Position: statesync.Position{X: 1}, Score: 7})
	assert.Equal(t, now, p.Timestamp)
	assert.Equal(t, "p1", p.PlayerID)
	assert.Equal(t, 7, p.Score)
}

func TestPackageLevelHelpers(t *testing.T) {
	assert.True(t, statesync.ShouldSyncPosition(time.Now().Add(-time.Second), 0))
	assert.False(t, statesync.ShouldSyncPosition(time.Now(), time.Minute))
	assert.GreaterOrEqual(t, statesync.CalculateNetworkDelay(time.Now().Add(-10*time.Millisecond)), 10*time.Millisecond)

	before := time.Now()
	p := statesync.CreateSyncPacket(statesync.Player{ID: "p1"})
	assert.False(t, p.Timestamp.Before(before))
}

func TestSnapshotConversion(t *testing.T) {
	p := statesync.SyncPacket{
		PlayerID:  "p1",
		Position:  statesync.Position{X: 1.5, Y: 2, VelocityY: -3, IsGrounded: true},
		Score:     42,
		Timestamp: time.UnixMilli(1_700_000_000_123),
	}

	snap := p.Snapshot()
	assert.Equal(t, int64(1_700_000_000_123), snap.Timestamp)
	assert.True(t, snap.IsGrounded)
	assert.Equal(t, p, statesync.FromSnapshot(snap))
}

func TestPredictionFrames(t *testing.T) {
	frame := 16 * time.Millisecond
	assert.Equal(t, 0, statesync.PredictionFrames(0, frame))
	assert.Equal(t, 1, statesync.PredictionFrames(time.Millisecond, frame))
	assert.Equal(t, 1, statesync.PredictionFrames(16*time.Millisecond, frame))
	assert.Equal(t, 7, statesync.PredictionFrames(100*time.Millisecond, frame))
	assert.Equal(t, 10, statesync.PredictionFrames(160*time.Millisecond, 0))
}

// TestRemoteState 緩衝最近兩個封包
func TestRemoteState(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := statesync.NewRemoteState()

	assert.True(t, r.IsStale(base, time.Second))
	_, ok := r.Latest()
	assert.False(t, ok)

	first := statesync.SyncPacket{PlayerID: "p1", Position: statesync.Position{X: 0, Y: 100, VelocityY: -1}, Timestamp: base}
	second := statesync.SyncPacket{PlayerID: "p1", Position: statesync.Position{X: 10, Y: 80, VelocityY: -2, IsGrounded: true}, Timestamp: base.Add(50 * time.Millisecond)}

	require.True(t, r.Apply(first, base))
	// 只有一個封包時插值結果就是該封包
	assert.Equal(t, first.Position, r.Sample(0.7))

	require.True(t, r.Apply(second, base.Add(50*time.Millisecond)))
	mid := r.Sample(0.5)
	assert.InDelta(t, 5, mid.X, tolerance)
	assert.InDelta(t, 90, mid.Y, tolerance)
	assert.False(t, mid.IsGrounded)

	// 亂序封包被丟棄
	assert.False(t, r.Apply(first, base.Add(60*time.Millisecond)))
	latest, ok := r.Latest()
	require.True(t, ok)
	assert.Equal(t, second, latest)

	predicted := r.Predict(10)
	assert.InDelta(t, 60, predicted.Y, tolerance)

	assert.False(t, r.IsStale(base.Add(500*time.Millisecond), time.Second))
	assert.True(t, r.IsStale(base.Add(2*time.Second), time.Second))
}
