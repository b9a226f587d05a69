// Package connection 客戶端的連線管理。
//
// Manager 持有唯一的傳輸連線，負責事件收發、監聽器註冊，
// 以及意外斷線後依 reconnect.Policy 排程重連。
// 傳輸層抽象為 Transport / Conn，預設實作為 gorilla/websocket。
package connection

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

// Conn 已建立的傳輸連線
//
// ReadMessage 只會由單一 goroutine 呼叫；WriteMessage 與 Close 可並發呼叫。
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport 建立連線
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CodedError 帶錯誤碼的傳輸錯誤，例如伺服器關閉連線時附上的原因
type CodedError interface {
	error
	ErrorCode() string
}

// errorCode 取出錯誤碼供重連策略判斷是否為致命錯誤
func errorCode(err error) string {
	var coded CodedError
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// CloseError 伺服器以 close frame 關閉連線
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed (%d): %s", e.Code, e.Reason)
}

// ErrorCode close frame 的原因文字即錯誤碼（例如 BANNED）
func (e *CloseError) ErrorCode() string {
	return e.Reason
}

// WebSocketTransport gorilla/websocket 實作
type WebSocketTransport struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebSocketTransport 建立 WebSocket 傳輸
func NewWebSocketTransport(handshakeTimeout time.Duration) *WebSocketTransport {
	return &WebSocketTransport{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial 實現 Transport
func (t *WebSocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := t.Dialer.DialContext(ctx, url, t.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn 寫入以 mutex 序列化
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

const wsWriteWait = 10 * time.Second

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
			}
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close 送出 close frame 後關閉
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
