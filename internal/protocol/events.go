// Package protocol 定義所有 WebSocket 訊息的信封格式與事件型別。
//
// 每則訊息都包成 {type, payload, senderId?, timestamp}：
//   - 結構驗證（ValidateEvent）只檢查信封形狀，不會 panic
//   - payload 的深層驗證由各 payload 型別的 Validate 負責
//   - 伺服器端以 Dispatch 對 EventType 做窮舉 switch
package protocol

// EventType 訊息型別
type EventType string

// 規格中的線上事件
const (
	EventJoinRoom        EventType = "join-room"        // C→S
	EventLeaveRoom       EventType = "leave-room"       // C→S
	EventPlayerJump      EventType = "player-jump"      // C→S，伺服器轉發給同房間
	EventUpdatePosition  EventType = "update-position"  // C→S
	EventSyncObstacles   EventType = "sync-obstacles"   // S→C
	EventGameStarted     EventType = "game-started"     // S→C
	EventGameOver        EventType = "game-over"        // S→C
	EventSendMessage     EventType = "send-message"     // C→S
	EventMessageReceived EventType = "message-received" // S→C
)

// 補充事件
const (
	EventStartGame        EventType = "start-game"        // C→S，房主要求開始
	EventQuickMatch       EventType = "quick-match"       // C→S，進入配對池
	EventCancelMatch      EventType = "cancel-match"      // C→S，離開配對池
	EventPlayerEliminated EventType = "player-eliminated" // C→S，玩家出局並回報分數
	EventPing             EventType = "ping"              // C→S
	EventRoomState        EventType = "room-state"        // S→C，房間快照
	EventPlayerJoined     EventType = "player-joined"     // S→C
	EventPlayerLeft       EventType = "player-left"       // S→C
	EventSyncPlayers      EventType = "sync-players"      // S→C，固定節奏的位置同步
	EventPong             EventType = "pong"              // S→C
	EventError            EventType = "error"             // S→C
)

// String 返回字串表示
func (t EventType) String() string {
	return string(t)
}

// IsKnown 是否為已定義的事件型別
func (t EventType) IsKnown() bool {
	return t.IsInbound() || t.IsOutbound()
}

// IsInbound 客戶端可以發送給伺服器的事件
func (t EventType) IsInbound() bool {
	switch t {
	case EventJoinRoom, EventLeaveRoom, EventPlayerJump, EventUpdatePosition,
		EventSendMessage, EventStartGame, EventQuickMatch, EventCancelMatch,
		EventPlayerEliminated, EventPing:
		return true
	default:
		return false
	}
}

// IsOutbound 伺服器發送給客戶端的事件
//
// player-jump 兩個方向都會出現。
func (t EventType) IsOutbound() bool {
	switch t {
	case EventSyncObstacles, EventGameStarted, EventGameOver, EventMessageReceived,
		EventRoomState, EventPlayerJoined, EventPlayerLeft, EventSyncPlayers,
		EventPong, EventError, EventPlayerJump:
		return true
	default:
		return false
	}
}

// AllEventTypes 返回所有事件型別（文件與測試用）
func AllEventTypes() []EventType {
	return []EventType{
		EventJoinRoom, EventLeaveRoom, EventPlayerJump, EventUpdatePosition,
		EventSyncObstacles, EventGameStarted, EventGameOver, EventSendMessage,
		EventMessageReceived, EventStartGame, EventQuickMatch, EventCancelMatch,
		EventPlayerEliminated, EventPing, EventRoomState, EventPlayerJoined,
		EventPlayerLeft, EventSyncPlayers, EventPong, EventError,
	}
}
