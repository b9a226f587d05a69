// Package bus 把房間事件廣播到其他伺服器實例。
//
// 單實例部署使用 Local（什麼都不做）；多實例部署使用 NATS，
// 每個房間一個 subject：<prefix>.room.<roomID>。
// 每則訊息帶發送端的 instance ID，實例會忽略自己送出的訊息。
package bus

import (
	"context"
)

// Handler 收到其他實例的房間事件
type Handler func(roomID string, data []byte)

// Bus 跨實例廣播
type Bus interface {
	// Publish 把已編碼的事件送給其他實例
	Publish(ctx context.Context, roomID string, data []byte) error
	// Subscribe 註冊處理函數，返回取消訂閱函數
	Subscribe(h Handler) (func() error, error)
	// Close 關閉連線
	Close() error
}

// Local 單實例用的空實作
type Local struct{}

// NewLocal 建立空實作
func NewLocal() *Local {
	return &Local{}
}

// Publish 實現 Bus
func (*Local) Publish(context.Context, string, []byte) error { return nil }

// Subscribe 實現 Bus
func (*Local) Subscribe(Handler) (func() error, error) {
	return func() error { return nil }, nil
}

// Close 實現 Bus
func (*Local) Close() error { return nil }
