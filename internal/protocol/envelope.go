package protocol

import (
	"encoding/json"
	"time"

	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// Event 型別化的訊息信封，建立後不再修改
type Event[T any] struct {
	Type      EventType `json:"type"`
	Payload   T         `json:"payload"`
	SenderID  string    `json:"senderId,omitempty"`
	Timestamp int64     `json:"timestamp"` // Unix 毫秒
}

// Envelope 尚未解析 payload 的信封
type Envelope = Event[json.RawMessage]

// Is 檢查事件型別
func (e Event[T]) Is(t EventType) bool {
	return e.Type == t
}

// Time 返回時間戳記
func (e Event[T]) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// WithSender 返回帶 senderId 的副本
func (e Event[T]) WithSender(senderID string) Event[T] {
	e.SenderID = senderID
	return e
}

// NewEvent 建立事件並以當前時間蓋章
func NewEvent[T any](t EventType, payload T) Event[T] {
	return Event[T]{
		Type:      t,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewJoinRoomEvent 建立 join-room 事件
func NewJoinRoomEvent(p JoinRoomPayload) Event[JoinRoomPayload] {
	return NewEvent(EventJoinRoom, p)
}

// NewLeaveRoomEvent 建立 leave-room 事件
func NewLeaveRoomEvent(p LeaveRoomPayload) Event[LeaveRoomPayload] {
	return NewEvent(EventLeaveRoom, p)
}

// NewPlayerJumpEvent 建立 player-jump 事件
func NewPlayerJumpEvent(p PlayerJumpPayload) Event[PlayerJumpPayload] {
	return NewEvent(EventPlayerJump, p)
}

// NewPositionUpdateEvent 建立 update-position 事件
func NewPositionUpdateEvent(p PositionUpdatePayload) Event[PositionUpdatePayload] {
	return NewEvent(EventUpdatePosition, p)
}

// NewObstacleSyncEvent 建立 sync-obstacles 事件
func NewObstacleSyncEvent(p ObstacleSyncPayload) Event[ObstacleSyncPayload] {
	return NewEvent(EventSyncObstacles, p)
}

// NewGameStartEvent 建立 game-started 事件
func NewGameStartEvent(p GameStartPayload) Event[GameStartPayload] {
	return NewEvent(EventGameStarted, p)
}

// NewGameOverEvent 建立 game-over 事件
func NewGameOverEvent(p GameOverPayload) Event[GameOverPayload] {
	return NewEvent(EventGameOver, p)
}

// NewChatMessageEvent 建立 send-message 事件
func NewChatMessageEvent(p ChatMessagePayload) Event[ChatMessagePayload] {
	if p.Timestamp == 0 {
		p.Timestamp = time.Now().UnixMilli()
	}
	return NewEvent(EventSendMessage, p)
}

// NewMessageReceivedEvent 建立 message-received 事件
func NewMessageReceivedEvent(p ChatMessagePayload) Event[ChatMessagePayload] {
	return NewEvent(EventMessageReceived, p)
}

// NewErrorEvent 建立 error 事件
func NewErrorEvent(err error) Event[ErrorPayload] {
	return NewEvent(EventError, ErrorPayloadFrom(err))
}

// ValidateEvent 檢查原始訊息的信封形狀
//
// 必須是 JSON 物件，type 為字串、payload 存在、timestamp 為數字。
// 任何輸入都只返回 true/false。
func ValidateEvent(raw []byte) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	return ValidateValue(v)
}

// ValidateValue 與 ValidateEvent 相同，但輸入為已解碼的值
func ValidateValue(v any) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := obj["type"].(string); !ok {
		return false
	}
	if _, ok := obj["payload"]; !ok {
		return false
	}
	if _, ok := obj["timestamp"].(float64); !ok {
		return false
	}
	return true
}

// Decode 驗證並解析信封，失敗時返回 VALIDATION_ERROR
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if !ValidateEvent(raw) {
		return env, apperrors.ErrValidation.WithDetails("malformed envelope")
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid message")
	}
	return env, nil
}

// Encode 序列化事件
func Encode[T any](e Event[T]) ([]byte, error) {
	return json.Marshal(e)
}

// ToEnvelope 把型別化事件轉為 Envelope
func ToEnvelope[T any](e Event[T]) (Envelope, error) {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Type:      e.Type,
		Payload:   raw,
		SenderID:  e.SenderID,
		Timestamp: e.Timestamp,
	}, nil
}

type validator interface {
	Validate() error
}

// PayloadAs 解析 payload，若型別實作 Validate 則一併驗證
func PayloadAs[T any](env Envelope) (T, error) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return p, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid payload")
	}
	if v, ok := any(&p).(validator); ok {
		if err := v.Validate(); err != nil {
			return p, err
		}
	}
	return p, nil
}

// IsJoinRoomEvent 型別判斷
func IsJoinRoomEvent(e Envelope) bool { return e.Is(EventJoinRoom) }

// IsLeaveRoomEvent 型別判斷
func IsLeaveRoomEvent(e Envelope) bool { return e.Is(EventLeaveRoom) }

// IsPlayerJumpEvent 型別判斷
func IsPlayerJumpEvent(e Envelope) bool { return e.Is(EventPlayerJump) }

// IsPositionUpdateEvent 型別判斷
func IsPositionUpdateEvent(e Envelope) bool { return e.Is(EventUpdatePosition) }

// IsObstacleSyncEvent 型別判斷
func IsObstacleSyncEvent(e Envelope) bool { return e.Is(EventSyncObstacles) }

// IsGameStartEvent 型別判斷
func IsGameStartEvent(e Envelope) bool { return e.Is(EventGameStarted) }

// IsGameOverEvent 型別判斷
func IsGameOverEvent(e Envelope) bool { return e.Is(EventGameOver) }

// IsChatMessageEvent send-message 或 message-received
func IsChatMessageEvent(e Envelope) bool {
	return e.Is(EventSendMessage) || e.Is(EventMessageReceived)
}
