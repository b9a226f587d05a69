package hub

import (
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/room"
	"github.com/koopa0/arcade-sync/internal/statesync"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// syncMark 房間上一次送出同步時的版本與時間
type syncMark struct {
	version uint64
	at      time.Time
}

// syncLoop 以固定節奏送出 sync-players
func (h *Hub) syncLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.syncRooms()
		case <-h.ctx.Done():
			return
		}
	}
}

// syncRooms 只送出本機有連線、遊戲中、且玩家狀態有變動的房間
func (h *Hub) syncRooms() {
	active := make(map[string]bool)
	for _, roomID := range h.localRooms() {
		snap, err := h.registry.GetRoom(roomID)
		if err != nil || snap.Status != room.StatusPlaying {
			continue
		}
		active[roomID] = true

		mark := h.lastSync[roomID]
		if mark.version == snap.Version || !h.sync.ShouldSyncPosition(mark.at) {
			continue
		}
		h.lastSync[roomID] = syncMark{version: snap.Version, at: h.sync.Now()}
		emit(h, roomID, protocol.NewEvent(protocol.EventSyncPlayers, syncPayload(h.sync, snap)), "")
	}

	for roomID := range h.lastSync {
		if !active[roomID] {
			delete(h.lastSync, roomID)
		}
	}
}

// syncPayload 依加入順序把每個玩家打包成同步封包
func syncPayload(s *statesync.Synchronizer, snap room.Room) protocol.SyncPlayersPayload {
	ordered := snap.OrderedPlayers()
	players := make([]protocol.PlayerSnapshot, 0, len(ordered))
	for _, p := range ordered {
		players = append(players, s.CreateSyncPacket(p.SyncState()).Snapshot())
	}
	return protocol.SyncPlayersPayload{RoomID: snap.ID, Players: players}
}

// positionFrom 客戶端回報的位置；沒有在跳躍就視為在地面上
func positionFrom(p protocol.PositionUpdatePayload) statesync.Position {
	return statesync.Position{
		X:          p.X,
		Y:          p.Y,
		VelocityY:  p.VelocityY,
		IsGrounded: !p.IsJumping,
	}
}

// cleanupLoop 定期移除過期房間
func (h *Hub) cleanupLoop() {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.sweepRooms()
		case <-h.ctx.Done():
			return
		}
	}
}

// sweepRooms 移除過期房間並通知還連著的玩家
func (h *Hub) sweepRooms() {
	for _, r := range h.registry.ClearStaleRooms(h.cfg.RoomMaxAge) {
		h.mu.Lock()
		conns := h.rooms[r.ID]
		evicted := make([]*client, 0, len(conns))
		for _, c := range conns {
			evicted = append(evicted, c)
			c.roomID = ""
		}
		delete(h.rooms, r.ID)
		h.mu.Unlock()

		for _, c := range evicted {
			c.replyError(apperrors.ErrRoomNotFound.WithDetails("room expired: " + r.ID))
		}
	}
}
