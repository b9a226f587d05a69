package protocol

import (
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// InboundHandler 處理客戶端送來的每一種事件
//
// 新增 inbound 事件時必須同時擴充這個介面與 Dispatch，
// 所有實作都會在編譯期被要求補上對應方法。
type InboundHandler interface {
	OnJoinRoom(env Envelope, p JoinRoomPayload) error
	OnLeaveRoom(env Envelope, p LeaveRoomPayload) error
	OnPlayerJump(env Envelope, p PlayerJumpPayload) error
	OnUpdatePosition(env Envelope, p PositionUpdatePayload) error
	OnSendMessage(env Envelope, p ChatMessagePayload) error
	OnStartGame(env Envelope, p StartGamePayload) error
	OnQuickMatch(env Envelope, p QuickMatchPayload) error
	OnCancelMatch(env Envelope, p CancelMatchPayload) error
	OnPlayerEliminated(env Envelope, p PlayerEliminatedPayload) error
	OnPing(env Envelope, p PingPayload) error
}

// Dispatch 解析 payload 並呼叫對應的處理方法
//
// 伺服器發出的事件或未知型別返回 VALIDATION_ERROR。
func Dispatch(env Envelope, h InboundHandler) error {
	switch env.Type {
	case EventJoinRoom:
		return dispatch(env, h.OnJoinRoom)
	case EventLeaveRoom:
		return dispatch(env, h.OnLeaveRoom)
	case EventPlayerJump:
		return dispatch(env, h.OnPlayerJump)
	case EventUpdatePosition:
		return dispatch(env, h.OnUpdatePosition)
	case EventSendMessage:
		return dispatch(env, h.OnSendMessage)
	case EventStartGame:
		return dispatch(env, h.OnStartGame)
	case EventQuickMatch:
		return dispatch(env, h.OnQuickMatch)
	case EventCancelMatch:
		return dispatch(env, h.OnCancelMatch)
	case EventPlayerEliminated:
		return dispatch(env, h.OnPlayerEliminated)
	case EventPing:
		return dispatch(env, h.OnPing)
	case EventSyncObstacles, EventGameStarted, EventGameOver, EventMessageReceived,
		EventRoomState, EventPlayerJoined, EventPlayerLeft, EventSyncPlayers,
		EventPong, EventError:
		return apperrors.ErrValidation.WithDetails("server event sent by client: " + env.Type.String())
	default:
		return apperrors.ErrValidation.WithDetails("unknown event type: " + env.Type.String())
	}
}

func dispatch[T any](env Envelope, fn func(Envelope, T) error) error {
	p, err := PayloadAs[T](env)
	if err != nil {
		return err
	}
	return fn(env, p)
}
