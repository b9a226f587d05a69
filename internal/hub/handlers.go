package hub

import (
	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/ratelimit"
	"github.com/koopa0/arcade-sync/internal/room"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// 自動挑選房間時，房間剛好被搶滿的重試次數
const maxJoinAttempts = 3

var _ protocol.InboundHandler = (*client)(nil)

func errBoundToOther(playerID string) error {
	return apperrors.ErrValidation.WithDetails("connection already bound to player " + playerID)
}

// requirePlayer 確認 playerID 是這條連線綁定的玩家
func (c *client) requirePlayer(playerID string) error {
	bound, _ := c.identity()
	switch {
	case bound == "":
		return apperrors.ErrPlayerNotInRoom.WithDetails("join a room first")
	case bound != playerID:
		return errBoundToOther(bound)
	}
	return nil
}

// requireMember 確認玩家屬於這條連線，且連線在該房間
func (c *client) requireMember(playerID, roomID string) error {
	if err := c.requirePlayer(playerID); err != nil {
		return err
	}
	if _, current := c.identity(); current != roomID {
		return apperrors.ErrPlayerNotInRoom.WithDetails(roomID)
	}
	return nil
}

// OnJoinRoom 加入房間
//
// 沒有指定房間時加入人最多的等待中房間，沒有的話建立新房間（受建立房間限流）。
// 玩家已在房間中（例如斷線重連）時恢復該房間的連線。
func (c *client) OnJoinRoom(_ protocol.Envelope, p protocol.JoinRoomPayload) error {
	h := c.hub
	if err := h.bind(c, p.PlayerID); err != nil {
		return err
	}
	if err := c.leaveFinished(p.PlayerID); err != nil {
		return err
	}

	if current, ok := h.registry.PlayerRoom(p.PlayerID); ok {
		if p.RoomID != "" && p.RoomID != current {
			return apperrors.ErrAlreadyInRoom.WithDetails(current)
		}
		return c.resume(current)
	}

	player := room.Player{ID: p.PlayerID, Name: p.PlayerName}
	if p.RoomID != "" {
		snap, err := h.registry.Join(p.RoomID, player)
		if err != nil {
			return err
		}
		c.joined(snap)
		return nil
	}

	var lastErr error
	for range maxJoinAttempts {
		roomID, err := c.pickRoom()
		if err != nil {
			return err
		}
		snap, err := h.registry.Join(roomID, player)
		if err == nil {
			c.joined(snap)
			return nil
		}
		if !apperrors.IsRoomFull(err) && !apperrors.IsRoomInProgress(err) && !apperrors.IsRoomNotFound(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// leaveFinished 上一局已結束的房間視為已離開，玩家才能加入或配對新房間
func (c *client) leaveFinished(playerID string) error {
	h := c.hub
	roomID, ok := h.registry.PlayerRoom(playerID)
	if !ok {
		return nil
	}
	snap, err := h.registry.GetRoom(roomID)
	if err != nil || snap.Status != room.StatusFinished {
		return nil
	}

	res, err := h.registry.Leave(roomID, playerID)
	if err != nil {
		if apperrors.IsRoomNotFound(err) || apperrors.CodeOf(err) == apperrors.ErrCodePlayerNotInRoom {
			return nil
		}
		return err
	}
	h.detach(c)
	h.announceLeave(playerID, res)
	return nil
}

// pickRoom 自動挑選或建立房間
func (c *client) pickRoom() (string, error) {
	h := c.hub
	if r, ok := h.registry.FindAvailableRoom(); ok {
		return r.ID, nil
	}

	res := h.gates.Check(c.ctx, ratelimit.ActionRoomCreate, c.rateKey())
	if !res.Allowed {
		return "", apperrors.RateLimited(string(ratelimit.ActionRoomCreate), res.Remaining, res.ResetAt)
	}
	r, err := h.registry.CreateRoom(0)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// joined 加入成功：通知其他人，並把房間快照送給所有人
func (c *client) joined(snap room.Room) {
	h := c.hub
	h.attach(c, snap.ID)

	slot := snap.Players[c.playerIDOrEmpty()]
	emit(h, snap.ID, protocol.NewEvent(protocol.EventPlayerJoined, protocol.PlayerJoinedPayload{
		RoomID:     snap.ID,
		PlayerID:   slot.ID,
		PlayerName: slot.Name,
	}).WithSender(slot.ID), c.id)
	emit(h, snap.ID, protocol.NewEvent(protocol.EventRoomState, snap.State()), "")
}

func (c *client) playerIDOrEmpty() string {
	playerID, _ := c.identity()
	return playerID
}

// resume 重新連線後回到原本的房間
func (c *client) resume(roomID string) error {
	snap, err := c.hub.registry.GetRoom(roomID)
	if err != nil {
		return err
	}
	c.hub.attach(c, roomID)
	reply(c, protocol.NewEvent(protocol.EventRoomState, snap.State()))
	return nil
}

// OnLeaveRoom 離開房間
func (c *client) OnLeaveRoom(_ protocol.Envelope, p protocol.LeaveRoomPayload) error {
	if err := c.requireMember(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	res, err := c.hub.registry.Leave(p.RoomID, p.PlayerID)
	if err != nil {
		return err
	}

	c.hub.detach(c)
	reply(c, protocol.NewEvent(protocol.EventPlayerLeft, protocol.PlayerLeftPayload{
		RoomID:    p.RoomID,
		PlayerID:  p.PlayerID,
		NewHostID: res.NewHostID,
	}))
	c.hub.announceLeave(p.PlayerID, res)
	return nil
}

// announceLeave 通知房間內其他人；遊戲中只剩一人存活時結束遊戲
func (h *Hub) announceLeave(playerID string, res room.LeaveResult) {
	roomID := res.Room.ID
	emit(h, roomID, protocol.NewEvent(protocol.EventPlayerLeft, protocol.PlayerLeftPayload{
		RoomID:    roomID,
		PlayerID:  playerID,
		NewHostID: res.NewHostID,
	}), "")
	if res.Removed {
		return
	}
	emit(h, roomID, protocol.NewEvent(protocol.EventRoomState, res.Room.State()), "")

	if res.Room.Status == room.StatusPlaying && res.Room.AliveCount() <= 1 {
		h.finishGame(res.Room)
	}
}

// OnPlayerJump 轉發跳躍給同房間的其他玩家
func (c *client) OnPlayerJump(_ protocol.Envelope, p protocol.PlayerJumpPayload) error {
	if err := c.requireMember(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	snap, err := c.hub.registry.GetRoom(p.RoomID)
	if err != nil {
		return err
	}
	if snap.Status != room.StatusPlaying {
		return apperrors.ErrInvalidState.WithDetails("room not playing")
	}
	emit(c.hub, p.RoomID, protocol.NewPlayerJumpEvent(p).WithSender(p.PlayerID), c.id)
	return nil
}

// OnUpdatePosition 記錄位置，由同步迴圈送出
func (c *client) OnUpdatePosition(_ protocol.Envelope, p protocol.PositionUpdatePayload) error {
	if err := c.requireMember(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	return c.hub.registry.UpdatePosition(p.RoomID, p.PlayerID, positionFrom(p))
}

// OnSendMessage 聊天訊息以伺服器時間廣播給整個房間
func (c *client) OnSendMessage(_ protocol.Envelope, p protocol.ChatMessagePayload) error {
	if err := c.requireMember(p.SenderID, p.RoomID); err != nil {
		return err
	}
	p.Timestamp = c.hub.now().UnixMilli()
	emit(c.hub, p.RoomID, protocol.NewMessageReceivedEvent(p).WithSender(p.SenderID), "")
	return nil
}

// OnStartGame 房主開始遊戲，送出開始時間與整局共用的障礙物
func (c *client) OnStartGame(_ protocol.Envelope, p protocol.StartGamePayload) error {
	if err := c.requireMember(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	h := c.hub
	snap, err := h.registry.StartGameAs(p.RoomID, p.PlayerID)
	if err != nil {
		return err
	}

	emit(h, snap.ID, protocol.NewGameStartEvent(protocol.GameStartPayload{
		RoomID:        snap.ID,
		GameStartTime: snap.GameStartTime.UnixMilli(),
	}), "")
	emit(h, snap.ID, protocol.NewObstacleSyncEvent(protocol.ObstacleSyncPayload{
		RoomID:    snap.ID,
		Obstacles: GenerateObstacles(snap.ID, snap.GameStartTime, h.cfg.ObstacleCount),
	}), "")
	emit(h, snap.ID, protocol.NewEvent(protocol.EventRoomState, snap.State()), "")
	return nil
}

// OnQuickMatch 進入配對池並嘗試配對
func (c *client) OnQuickMatch(_ protocol.Envelope, p protocol.QuickMatchPayload) error {
	h := c.hub
	if err := h.bind(c, p.PlayerID); err != nil {
		return err
	}
	if err := c.leaveFinished(p.PlayerID); err != nil {
		return err
	}
	if err := h.registry.AddSearcher(room.Player{ID: p.PlayerID, Name: p.PlayerName}); err != nil {
		return err
	}
	h.matchmake()
	return nil
}

// matchmake 把配對成功的每一組移到新房間
func (h *Hub) matchmake() {
	cfg := h.registry.Config()
	size := max(cfg.MinPlayers, cfg.DefaultMaxPlayers)

	for _, group := range h.registry.MatchPlayers(cfg.MinPlayers) {
		r, err := h.registry.CreateRoom(size)
		if err != nil {
			h.logger.Error("create match room failed", "error", err)
			continue
		}

		var snap room.Room
		joined := 0
		for _, s := range group {
			c, ok := h.playerClient(s.ID)
			if !ok {
				continue
			}
			next, err := h.registry.Join(r.ID, room.Player{ID: s.ID, Name: s.Name})
			if err != nil {
				h.logger.Warn("matched player could not join", "player_id", s.ID, "room_id", r.ID, "error", err)
				continue
			}
			h.attach(c, r.ID)
			snap = next
			joined++
		}
		if joined == 0 {
			// 配對到的玩家都已離線
			h.registry.RemoveEmptyRoom(r.ID)
			continue
		}

		h.logger.Info("players matched", "room_id", r.ID, "players", joined)
		emit(h, r.ID, protocol.NewEvent(protocol.EventRoomState, snap.State()), "")
	}
}

// OnCancelMatch 離開配對池
func (c *client) OnCancelMatch(_ protocol.Envelope, p protocol.CancelMatchPayload) error {
	if err := c.requirePlayer(p.PlayerID); err != nil {
		return err
	}
	c.hub.registry.RemoveSearcher(p.PlayerID)
	return nil
}

// OnPlayerEliminated 玩家出局；存活人數不超過一人時結束遊戲
func (c *client) OnPlayerEliminated(_ protocol.Envelope, p protocol.PlayerEliminatedPayload) error {
	if err := c.requireMember(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	h := c.hub
	snap, err := h.registry.Eliminate(p.RoomID, p.PlayerID, p.Score)
	if err != nil {
		return err
	}

	emit(h, snap.ID, protocol.NewEvent(protocol.EventRoomState, snap.State()), "")
	if snap.AliveCount() <= 1 {
		h.finishGame(snap)
	}
	return nil
}

// finishGame 決定勝者並廣播 game-over
//
// 兩個玩家同時觸發結束時，只有第一個成功的會廣播。
func (h *Hub) finishGame(snap room.Room) {
	winner := snap.DecideWinner()
	final, err := h.registry.EndGame(snap.ID, winner, nil)
	if err != nil {
		if !apperrors.IsRoomNotFound(err) && apperrors.CodeOf(err) != apperrors.ErrCodeInvalidState {
			h.logger.Error("end game failed", "room_id", snap.ID, "error", err)
		}
		return
	}

	emit(h, final.ID, protocol.NewGameOverEvent(protocol.GameOverPayload{
		RoomID:   final.ID,
		WinnerID: final.WinnerID,
		Scores:   final.Scores(),
	}), "")
}

// OnPing 回傳客戶端時間與伺服器時間
func (c *client) OnPing(_ protocol.Envelope, p protocol.PingPayload) error {
	reply(c, protocol.NewEvent(protocol.EventPong, protocol.PongPayload{
		ClientTime: p.ClientTime,
		ServerTime: c.hub.now().UnixMilli(),
	}))
	return nil
}
