package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// envelope 實例之間傳遞的包裝
type envelope struct {
	Origin string          `json:"origin"`
	RoomID string          `json:"roomId"`
	Data   json.RawMessage `json:"data"`
}

// NATSConfig NATS 連線設定
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	ReconnectWait time.Duration
	PingInterval  time.Duration
}

// NATS 以 core NATS publish/subscribe 實作的 Bus
//
// 房間事件是即時狀態，遺失一則不影響正確性（下一次同步會覆蓋），
// 所以不使用 JetStream。
type NATS struct {
	conn       *nats.Conn
	prefix     string
	instanceID string
	logger     *slog.Logger
}

// NewNATS 連線到 NATS
func NewNATS(cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "arcade"
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}

	instanceID := uuid.NewString()
	logger = logger.With("component", "bus", "instance_id", instanceID)

	conn, err := nats.Connect(
		cfg.URL,
		nats.Name("arcade-sync-"+instanceID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.PingInterval(cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	return &NATS{
		conn:       conn,
		prefix:     cfg.SubjectPrefix,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// InstanceID 本實例的 ID
func (b *NATS) InstanceID() string {
	return b.instanceID
}

// Subject 房間對應的 subject
func (b *NATS) Subject(roomID string) string {
	return b.prefix + ".room." + roomID
}

// Publish 實現 Bus
func (b *NATS) Publish(ctx context.Context, roomID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if roomID == "" || strings.ContainsAny(roomID, ".*> \t") {
		return fmt.Errorf("invalid room id for subject: %q", roomID)
	}

	payload, err := json.Marshal(envelope{
		Origin: b.instanceID,
		RoomID: roomID,
		Data:   data,
	})
	if err != nil {
		return fmt.Errorf("marshal bus envelope: %w", err)
	}
	if err := b.conn.Publish(b.Subject(roomID), payload); err != nil {
		return fmt.Errorf("publish %s: %w", roomID, err)
	}
	return nil
}

// Subscribe 實現 Bus，訂閱所有房間
func (b *NATS) Subscribe(h Handler) (func() error, error) {
	sub, err := b.conn.Subscribe(b.prefix+".room.*", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			b.logger.Warn("dropping malformed bus message", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == b.instanceID {
			return
		}
		h(env.RoomID, env.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return sub.Unsubscribe, nil
}

// Flush 等待已送出的訊息被伺服器接收
func (b *NATS) Flush(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Close 實現 Bus
func (b *NATS) Close() error {
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return err
	}
	return nil
}
