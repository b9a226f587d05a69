package hub

import (
	"context"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/ratelimit"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
	"github.com/koopa0/arcade-sync/pkg/logger"
)

// client 一條 WebSocket 連線
type client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	// 以下欄位由 hub.mu 保護
	playerID string
	roomID   string
	closed   bool
	logCtx   context.Context // ctx 加上目前的 player_id / room_id
}

func newClient(h *Hub, id string, conn *websocket.Conn) *client {
	ctx, cancel := context.WithCancel(logger.WithConnID(h.ctx, id))
	return &client{
		id:     id,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		logger: h.logger,
		logCtx: ctx,
	}
}

// enqueue 非阻塞送出，需持有 hub.mu 讀鎖
//
// 緩衝區滿時丟棄訊息，慢客戶端不拖累整個房間。
func (c *client) enqueue(data []byte) bool {
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.WarnContext(c.logCtx, "send buffer full, dropping message")
		return false
	}
}

// closeSend 關閉 send channel，需持有 hub.mu 寫鎖
func (c *client) closeSend() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// refreshLogCtxLocked 綁定或房間改變後重建日誌上下文，需持有 hub.mu 寫鎖
func (c *client) refreshLogCtxLocked() {
	c.logCtx = logger.WithRoomID(logger.WithPlayerID(c.ctx, c.playerID), c.roomID)
}

// logContext 日誌用的上下文
func (c *client) logContext() context.Context {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.logCtx
}

// identity 目前綁定的玩家與房間
func (c *client) identity() (playerID, roomID string) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	return c.playerID, c.roomID
}

// rateKey 限流識別碼：綁定玩家後以玩家為單位，之前以連線為單位
func (c *client) rateKey() string {
	if playerID, _ := c.identity(); playerID != "" {
		return playerID
	}
	return c.id
}

// readPump 讀取客戶端訊息
//
// 60 秒內沒有收到任何訊息（包括 pong）就關閉連線。
func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.cfg.MaxMessageBytes)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.ErrorContext(c.logContext(), "set read deadline failed", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WarnContext(c.logContext(), "websocket read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}
		c.handle(message)
	}
}

// writePump 寫入訊息並定期送 ping
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// send 已關閉，嘗試送出 close frame
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 一次送完已排隊的訊息
			n := len(c.send)
			for range n {
				next, ok := <-c.send
				if !ok {
					return
				}
				if err := c.conn.WriteMessage(websocket.TextMessage, next); err != nil {
					c.logger.WarnContext(c.logContext(), "write message failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle 處理單一訊息：解碼 → 限流 → Dispatch
//
// 無法解碼的訊息直接丟棄；處理失敗時回傳 error 事件給發送者。
func (c *client) handle(raw []byte) {
	env, err := protocol.Decode(raw)
	if err != nil {
		c.logger.DebugContext(c.logContext(), "dropping invalid message", "error", err)
		return
	}

	if action, ok := gatedAction(env.Type); ok {
		res := c.hub.gates.Check(c.ctx, action, c.rateKey())
		if !res.Allowed {
			c.replyError(apperrors.RateLimited(string(action), res.Remaining, res.ResetAt))
			return
		}
	}

	if err := protocol.Dispatch(env, c); err != nil {
		c.logger.DebugContext(c.logContext(), "event rejected",
			"type", env.Type,
			"code", apperrors.CodeOf(err),
			"error", err)
		c.replyError(err)
	}
}

// gatedAction 受限流的事件類別；建立房間在 join 流程中另外檢查
func gatedAction(t protocol.EventType) (ratelimit.Action, bool) {
	switch t {
	case protocol.EventSendMessage:
		return ratelimit.ActionChat, true
	case protocol.EventUpdatePosition, protocol.EventPlayerJump:
		return ratelimit.ActionPosition, true
	default:
		return "", false
	}
}

// reply 送給單一連線
func reply[T any](c *client, e protocol.Event[T]) {
	data, err := protocol.Encode(e)
	if err != nil {
		c.logger.ErrorContext(c.logContext(), "encode event failed", "type", e.Type, "error", err)
		return
	}
	c.hub.deliver(c, data)
}

func (c *client) replyError(err error) {
	reply(c, protocol.NewErrorEvent(err))
}
