package protocol

import (
	stderrors "errors"
	"math"
	"unicode/utf8"

	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// 欄位限制
const (
	MaxIDLength      = 64
	MaxNameLength    = 32
	MaxMessageLength = 500
)

// JoinRoomPayload 加入房間；RoomID 為空時由伺服器挑選或建立房間
type JoinRoomPayload struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
	RoomID     string `json:"roomId,omitempty"`
}

// Validate 驗證 payload
func (p JoinRoomPayload) Validate() error {
	if err := validateID("playerId", p.PlayerID); err != nil {
		return err
	}
	if err := validateName(p.PlayerName); err != nil {
		return err
	}
	if p.RoomID != "" {
		return validateID("roomId", p.RoomID)
	}
	return nil
}

// LeaveRoomPayload 離開房間
type LeaveRoomPayload struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

// Validate 驗證 payload
func (p LeaveRoomPayload) Validate() error {
	return validateIDs(p.PlayerID, p.RoomID)
}

// PlayerJumpPayload 跳躍
type PlayerJumpPayload struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

// Validate 驗證 payload
func (p PlayerJumpPayload) Validate() error {
	return validateIDs(p.PlayerID, p.RoomID)
}

// PositionUpdatePayload 位置更新
type PositionUpdatePayload struct {
	PlayerID  string  `json:"playerId"`
	RoomID    string  `json:"roomId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	VelocityY float64 `json:"velocityY"`
	IsJumping bool    `json:"isJumping"`
}

// Validate 驗證 payload
func (p PositionUpdatePayload) Validate() error {
	if err := validateIDs(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	for _, v := range []float64{p.X, p.Y, p.VelocityY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return apperrors.ErrValidation.WithDetails("position must be finite")
		}
	}
	return nil
}

// Obstacle 障礙物
type Obstacle struct {
	ID     int     `json:"id"`
	Kind   string  `json:"kind"`
	X      float64 `json:"x"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ObstacleSyncPayload 障礙物同步
type ObstacleSyncPayload struct {
	RoomID    string     `json:"roomId"`
	Obstacles []Obstacle `json:"obstacles"`
}

// GameStartPayload 遊戲開始
type GameStartPayload struct {
	RoomID        string `json:"roomId"`
	GameStartTime int64  `json:"gameStartTime"` // Unix 毫秒
}

// PlayerScore 玩家分數
type PlayerScore struct {
	PlayerID string `json:"playerId"`
	Score    int    `json:"score"`
}

// GameOverPayload 遊戲結束
type GameOverPayload struct {
	RoomID   string        `json:"roomId"`
	WinnerID string        `json:"winnerId"`
	Scores   []PlayerScore `json:"scores"`
}

// ChatMessagePayload 聊天訊息，send-message 與 message-received 共用
type ChatMessagePayload struct {
	RoomID    string `json:"roomId"`
	SenderID  string `json:"senderId"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Validate 驗證 payload
func (p ChatMessagePayload) Validate() error {
	if err := validateIDs(p.SenderID, p.RoomID); err != nil {
		return err
	}
	n := utf8.RuneCountInString(p.Message)
	if n == 0 || n > MaxMessageLength {
		return apperrors.ErrValidation.WithDetails("message length must be 1-500")
	}
	return nil
}

// StartGamePayload 房主要求開始
type StartGamePayload struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
}

// Validate 驗證 payload
func (p StartGamePayload) Validate() error {
	return validateIDs(p.PlayerID, p.RoomID)
}

// QuickMatchPayload 快速配對
type QuickMatchPayload struct {
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// Validate 驗證 payload
func (p QuickMatchPayload) Validate() error {
	if err := validateID("playerId", p.PlayerID); err != nil {
		return err
	}
	return validateName(p.PlayerName)
}

// CancelMatchPayload 取消配對
type CancelMatchPayload struct {
	PlayerID string `json:"playerId"`
}

// Validate 驗證 payload
func (p CancelMatchPayload) Validate() error {
	return validateID("playerId", p.PlayerID)
}

// PlayerEliminatedPayload 玩家出局
type PlayerEliminatedPayload struct {
	PlayerID string `json:"playerId"`
	RoomID   string `json:"roomId"`
	Score    int    `json:"score"`
}

// Validate 驗證 payload
func (p PlayerEliminatedPayload) Validate() error {
	if err := validateIDs(p.PlayerID, p.RoomID); err != nil {
		return err
	}
	if p.Score < 0 {
		return apperrors.ErrValidation.WithDetails("score must be >= 0")
	}
	return nil
}

// PingPayload 客戶端時間
type PingPayload struct {
	ClientTime int64 `json:"clientTime"`
}

// Validate 驗證 payload
func (p PingPayload) Validate() error {
	if p.ClientTime <= 0 {
		return apperrors.ErrValidation.WithDetails("clientTime required")
	}
	return nil
}

// PongPayload 回傳客戶端時間供計算延遲
type PongPayload struct {
	ClientTime int64 `json:"clientTime"`
	ServerTime int64 `json:"serverTime"`
}

// PlayerInfo 房間快照中的玩家
type PlayerInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsHost  bool   `json:"isHost"`
	IsReady bool   `json:"isReady"`
	Score   int    `json:"score"`
}

// RoomStatePayload 房間快照
type RoomStatePayload struct {
	RoomID        string       `json:"roomId"`
	HostID        string       `json:"hostId"`
	Status        string       `json:"status"`
	MaxPlayers    int          `json:"maxPlayers"`
	Players       []PlayerInfo `json:"players"`
	CreatedAt     int64        `json:"createdAt"`
	GameStartTime int64        `json:"gameStartTime,omitempty"`
}

// PlayerJoinedPayload 玩家加入通知
type PlayerJoinedPayload struct {
	RoomID     string `json:"roomId"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

// PlayerLeftPayload 玩家離開通知；房主轉移時帶 NewHostID
type PlayerLeftPayload struct {
	RoomID    string `json:"roomId"`
	PlayerID  string `json:"playerId"`
	NewHostID string `json:"newHostId,omitempty"`
}

// PlayerSnapshot 同步封包的線上格式
type PlayerSnapshot struct {
	PlayerID   string  `json:"playerId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	VelocityY  float64 `json:"velocityY"`
	IsGrounded bool    `json:"isGrounded"`
	Score      int     `json:"score"`
	Timestamp  int64   `json:"timestamp"`
}

// SyncPlayersPayload 批次位置同步
type SyncPlayersPayload struct {
	RoomID  string           `json:"roomId"`
	Players []PlayerSnapshot `json:"players"`
}

// ErrorPayload 錯誤通知
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Remaining *int   `json:"remaining,omitempty"` // 只在 RATE_LIMITED 時帶出，0 也會送出
	ResetAt   int64  `json:"resetAt,omitempty"`
}

// ErrorPayloadFrom 把 AppError 轉成線上格式
func ErrorPayloadFrom(err error) ErrorPayload {
	var appErr *apperrors.AppError
	if !stderrors.As(err, &appErr) {
		return ErrorPayload{Code: apperrors.ErrCodeInternal, Message: "internal error"}
	}
	p := ErrorPayload{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}
	if appErr.Code == apperrors.ErrCodeRateLimited {
		remaining := appErr.Remaining
		p.Remaining = &remaining
	}
	if !appErr.ResetAt.IsZero() {
		p.ResetAt = appErr.ResetAt.UnixMilli()
	}
	return p
}

func validateIDs(playerID, roomID string) error {
	if err := validateID("playerId", playerID); err != nil {
		return err
	}
	return validateID("roomId", roomID)
}

func validateID(field, id string) error {
	if id == "" {
		return apperrors.ErrValidation.WithDetails(field + " required")
	}
	if len(id) > MaxIDLength {
		return apperrors.ErrValidation.WithDetails(field + " too long")
	}
	return nil
}

func validateName(name string) error {
	n := utf8.RuneCountInString(name)
	if n == 0 || n > MaxNameLength {
		return apperrors.ErrValidation.WithDetails("playerName length must be 1-32")
	}
	return nil
}
