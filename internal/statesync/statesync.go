// Package statesync 玩家狀態同步的基本運算。
//
// 伺服器以固定節奏把權威位置打包成 SyncPacket；客戶端在兩個封包之間插值，
// 並以最後已知速度外推（dead-reckoning）來掩蓋網路延遲。
// 玩家太久沒有更新時要凍結還是移除由呼叫端決定，這裡只提供 IsStale。
package statesync

import (
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
)

// DefaultSyncInterval 預設同步間隔
const DefaultSyncInterval = 50 * time.Millisecond

// DefaultFrameDuration 60 FPS
const DefaultFrameDuration = time.Second / 60

// groundedThreshold alpha 超過此值時 IsGrounded 切換為目標值
const groundedThreshold = 0.5

// Position 玩家位置
type Position struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	VelocityY  float64 `json:"velocityY"`
	IsGrounded bool    `json:"isGrounded"`
}

// Player 建立同步封包需要的玩家資料
type Player struct {
	ID       string
	Position Position
	Score    int
}

// SyncPacket 同步單位，送出後不再修改
type SyncPacket struct {
	PlayerID  string
	Position  Position
	Score     int
	Timestamp time.Time
}

// Snapshot 轉成線上格式
func (p SyncPacket) Snapshot() protocol.PlayerSnapshot {
	return protocol.PlayerSnapshot{
		PlayerID:   p.PlayerID,
		X:          p.Position.X,
		Y:          p.Position.Y,
		VelocityY:  p.Position.VelocityY,
		IsGrounded: p.Position.IsGrounded,
		Score:      p.Score,
		Timestamp:  p.Timestamp.UnixMilli(),
	}
}

// FromSnapshot 從線上格式還原
func FromSnapshot(s protocol.PlayerSnapshot) SyncPacket {
	return SyncPacket{
		PlayerID: s.PlayerID,
		Position: Position{
			X:          s.X,
			Y:          s.Y,
			VelocityY:  s.VelocityY,
			IsGrounded: s.IsGrounded,
		},
		Score:     s.Score,
		Timestamp: time.UnixMilli(s.Timestamp),
	}
}

// Synchronizer 帶時鐘的同步器
type Synchronizer struct {
	now      func() time.Time
	interval time.Duration
}

// Option 同步器選項
type Option func(*Synchronizer)

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// WithInterval 設定同步間隔
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

// New 建立同步器
func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		now:      time.Now,
		interval: DefaultSyncInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval 同步間隔
func (s *Synchronizer) Interval() time.Duration {
	return s.interval
}

// Now 同步器的時鐘
func (s *Synchronizer) Now() time.Time {
	return s.now()
}

// CreateSyncPacket 以當前時間快照玩家狀態
func (s *Synchronizer) CreateSyncPacket(p Player) SyncPacket {
	return SyncPacket{
		PlayerID:  p.ID,
		Position:  p.Position,
		Score:     p.Score,
		Timestamp: s.now(),
	}
}

// ShouldSyncPosition 距上次同步是否已超過間隔
func (s *Synchronizer) ShouldSyncPosition(lastSync time.Time) bool {
	return s.now().Sub(lastSync) >= s.interval
}

// CalculateNetworkDelay now - sent
func (s *Synchronizer) CalculateNetworkDelay(sent time.Time) time.Duration {
	return s.now().Sub(sent)
}

// CreateSyncPacket 見 Synchronizer.CreateSyncPacket
func CreateSyncPacket(p Player) SyncPacket {
	return New().CreateSyncPacket(p)
}

// ShouldSyncPosition interval 為 0 時使用預設 50ms
func ShouldSyncPosition(lastSync time.Time, interval time.Duration) bool {
	return New(WithInterval(interval)).ShouldSyncPosition(lastSync)
}

// CalculateNetworkDelay 見 Synchronizer.CalculateNetworkDelay
func CalculateNetworkDelay(sent time.Time) time.Duration {
	return time.Since(sent)
}

// InterpolatePosition 在 current 與 target 之間線性插值
//
// alpha 會被限制在 [0, 1]。IsGrounded 不插值，alpha > 0.5 時取 target。
func InterpolatePosition(current, target Position, alpha float64) Position {
	alpha = min(max(alpha, 0), 1)
	grounded := current.IsGrounded
	if alpha > groundedThreshold {
		grounded = target.IsGrounded
	}
	return Position{
		X:          lerp(current.X, target.X, alpha),
		Y:          lerp(current.Y, target.Y, alpha),
		VelocityY:  lerp(current.VelocityY, target.VelocityY, alpha),
		IsGrounded: grounded,
	}
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

// PredictPosition 以速度外推 y
func PredictPosition(pos Position, velocityY float64, frames int) Position {
	pos.Y += velocityY * float64(frames)
	return pos
}

// PredictionFrames 延遲對應的預測幀數（無條件進位）
func PredictionFrames(delay, frameDuration time.Duration) int {
	if delay <= 0 {
		return 0
	}
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	return int((delay + frameDuration - 1) / frameDuration)
}
