package statesync

import (
	"sync"
	"time"
)

// RemoteState 單一遠端玩家最近兩個封包的緩衝
type RemoteState struct {
	mu         sync.RWMutex
	prev, last SyncPacket
	count      int
	receivedAt time.Time
}

// NewRemoteState 建立緩衝
func NewRemoteState() *RemoteState {
	return &RemoteState{}
}

// Apply 收到新封包；時間戳記比最後一個舊的封包會被丟棄
func (r *RemoteState) Apply(p SyncPacket, receivedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count > 0 && p.Timestamp.Before(r.last.Timestamp) {
		return false
	}
	if r.count == 0 {
		r.prev = p
	} else {
		r.prev = r.last
	}
	r.last = p
	r.receivedAt = receivedAt
	r.count++
	return true
}

// Latest 最後一個封包
func (r *RemoteState) Latest() (SyncPacket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.count > 0
}

// Sample 在前後兩個封包之間插值
func (r *RemoteState) Sample(alpha float64) Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return InterpolatePosition(r.prev.Position, r.last.Position, alpha)
}

// Predict 從最後一個封包外推
func (r *RemoteState) Predict(frames int) Position {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return PredictPosition(r.last.Position, r.last.Position.VelocityY, frames)
}

// IsStale 距離最後一次收到封包是否超過 threshold；從未收到也視為過期
func (r *RemoteState) IsStale(now time.Time, threshold time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return true
	}
	return now.Sub(r.receivedAt) > threshold
}
