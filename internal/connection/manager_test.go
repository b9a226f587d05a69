package connection_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/arcade-sync/internal/connection"
	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/reconnect"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
)

var errDropped = errors.New("connection reset by peer")

// fakeConn 以 channel 模擬的連線
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	dropErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.dropErr != nil {
			return nil, c.dropErr
		}
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop 模擬伺服器端斷線
func (c *fakeConn) drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	_ = c.Close()
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sent() []protocol.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(c.written))
	for _, raw := range c.written {
		env, err := protocol.Decode(raw)
		if err == nil {
			out = append(out, env)
		}
	}
	return out
}

// fakeTransport 依序返回預設的錯誤，之後成功
type fakeTransport struct {
	mu       sync.Mutex
	failures []error
	failAll  error
	gate     chan struct{}
	conns    []*fakeConn
	dials    int
}

func (t *fakeTransport) Dial(ctx context.Context, _ string) (connection.Conn, error) {
	if t.gate != nil {
		select {
		case <-t.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	if t.failAll != nil {
		return nil, t.failAll
	}
	if len(t.failures) > 0 {
		err := t.failures[0]
		t.failures = t.failures[1:]
		return nil, err
	}
	c := newFakeConn()
	t.conns = append(t.conns, c)
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) last() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) setFailAll(err error) {
	t.mu.Lock()
	t.failAll = err
	t.mu.Unlock()
}

func fastPolicy(maxAttempts int) reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: maxAttempts,
	}
}

// statusLog 收集狀態通知
type statusLog struct {
	mu       sync.Mutex
	statuses []connection.Status
	messages []string
}

func (l *statusLog) observe(s connection.Status, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
	if msg != "" {
		l.messages = append(l.messages, msg)
	}
}

func (l *statusLog) snapshot() ([]connection.Status, []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]connection.Status(nil), l.statuses...), append([]string(nil), l.messages...)
}

func newManager(t *testing.T, tr *fakeTransport, opts ...connection.Option) (*connection.Manager, *statusLog) {
	t.Helper()
	opts = append([]connection.Option{
		connection.WithTransport(tr),
		connection.WithPolicy(fastPolicy(3)),
	}, opts...)
	m := connection.NewManager("ws://game.test/ws", opts...)
	log := &statusLog{}
	m.OnStatusChange(log.observe)
	t.Cleanup(m.Disconnect)
	return m, log
}

func encode(t *testing.T, typ protocol.EventType, payload any) []byte {
	t.Helper()
	raw, err := protocol.Encode(protocol.NewEvent(typ, payload))
	require.NoError(t, err)
	return raw
}

func TestManager_Connect(t *testing.T) {
	tests := []struct {
		name     string
		failures []error
		validate func(t *testing.T, m *connection.Manager, err error, log *statusLog)
	}{
		{
			name: "success",
			validate: func(t *testing.T, m *connection.Manager, err error, log *statusLog) {
				require.NoError(t, err)
				assert.Equal(t, connection.StatusConnected, m.Status())
				assert.True(t, m.IsConnected())
				assert.Zero(t, m.ReconnectAttempts())
				assert.NoError(t, m.LastError())

				statuses, _ := log.snapshot()
				assert.Equal(t, []connection.Status{connection.StatusConnecting, connection.StatusConnected}, statuses)
			},
		},
		{
			name:     "failure",
			failures: []error{errDropped},
			validate: func(t *testing.T, m *connection.Manager, err error, _ *statusLog) {
				require.Error(t, err)
				assert.True(t, apperrors.IsConnection(err))
				assert.ErrorIs(t, err, errDropped)
				assert.Equal(t, connection.StatusError, m.Status())
				assert.Equal(t, 1, m.ReconnectAttempts())
				assert.ErrorIs(t, m.LastError(), errDropped)
			},
		},
		{
			name:     "success after failures resets attempts",
			failures: []error{errDropped, errDropped},
			validate: func(t *testing.T, m *connection.Manager, err error, _ *statusLog) {
				require.Error(t, err)
				require.Error(t, m.Connect(context.Background()))
				assert.Equal(t, 2, m.ReconnectAttempts())

				require.NoError(t, m.Connect(context.Background()))
				assert.Zero(t, m.ReconnectAttempts())
				assert.NoError(t, m.LastError())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{failures: tt.failures}
			m, log := newManager(t, tr)
			err := m.Connect(context.Background())
			tt.validate(t, m, err, log)
		})
	}
}

func TestManager_ConnectIdempotent(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newManager(t, tr)

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, 1, tr.dialCount())
}

func TestManager_ConnectWhileConnecting(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	m, _ := newManager(t, tr)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return m.Status() == connection.StatusConnecting
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, m.Connect(context.Background()), connection.ErrAlreadyConnecting)

	close(tr.gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, tr.dialCount())
}

func TestManager_DisconnectDuringDial(t *testing.T) {
	tr := &fakeTransport{gate: make(chan struct{})}
	m, _ := newManager(t, tr)

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool {
		return m.Status() == connection.StatusConnecting
	}, time.Second, time.Millisecond)

	m.Disconnect()
	close(tr.gate)

	assert.ErrorIs(t, <-done, connection.ErrCanceled)
	assert.Equal(t, connection.StatusDisconnected, m.Status())
	assert.True(t, tr.last().isClosed())
}

func TestManager_Disconnect(t *testing.T) {
	tr := &fakeTransport{}
	m, log := newManager(t, tr)
	require.NoError(t, m.Connect(context.Background()))

	var calls int
	m.On(protocol.EventRoomState, func(protocol.Envelope) { calls++ })

	m.Disconnect()
	m.Disconnect()

	assert.Equal(t, connection.StatusDisconnected, m.Status())
	assert.True(t, tr.last().isClosed())

	statuses, _ := log.snapshot()
	assert.Equal(t, connection.StatusDisconnected, statuses[len(statuses)-1])
	assert.Len(t, statuses, 3, "second disconnect is a no-op")

	// 重新連線後舊監聽器不再收到事件
	require.NoError(t, m.Connect(context.Background()))
	tr.last().in <- encode(t, protocol.EventRoomState, protocol.RoomStatePayload{RoomID: "r1"})
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls)
}

func TestManager_Emit(t *testing.T) {
	tests := []struct {
		name     string
		connect  bool
		validate func(t *testing.T, err error, tr *fakeTransport)
	}{
		{
			name:    "connected writes envelope",
			connect: true,
			validate: func(t *testing.T, err error, tr *fakeTransport) {
				require.NoError(t, err)
				sent := tr.last().sent()
				require.Len(t, sent, 1)
				assert.Equal(t, protocol.EventSendMessage, sent[0].Type)
				assert.Positive(t, sent[0].Timestamp)

				p, err := protocol.PayloadAs[protocol.ChatMessagePayload](sent[0])
				require.NoError(t, err)
				assert.Equal(t, "hi", p.Message)
			},
		},
		{
			name:    "not connected is not queued",
			connect: false,
			validate: func(t *testing.T, err error, tr *fakeTransport) {
				assert.ErrorIs(t, err, connection.ErrNotConnected)
				assert.Zero(t, tr.dialCount())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			m, _ := newManager(t, tr)
			if tt.connect {
				require.NoError(t, m.Connect(context.Background()))
			}
			err := m.Emit(protocol.EventSendMessage, protocol.ChatMessagePayload{
				RoomID: "r1", SenderID: "p1", Message: "hi",
			})
			tt.validate(t, err, tr)
		})
	}
}

func TestManager_Listeners(t *testing.T) {
	tr := &fakeTransport{}
	m, _ := newManager(t, tr)
	require.NoError(t, m.Connect(context.Background()))

	var mu sync.Mutex
	var got []string
	record := func(tag string) connection.Listener {
		return func(protocol.Envelope) {
			mu.Lock()
			got = append(got, tag)
			mu.Unlock()
		}
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}

	first := m.On(protocol.EventPlayerJoined, record("first"))
	m.On(protocol.EventPlayerJoined, record("second"))
	m.On(protocol.EventGameOver, record("over"))

	conn := tr.last()
	conn.in <- encode(t, protocol.EventPlayerJoined, protocol.PlayerJoinedPayload{RoomID: "r1"})
	conn.in <- []byte(`{"type":`)
	require.Eventually(t, func() bool { return len(snapshot()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, snapshot(), "registration order")

	m.Off(protocol.EventPlayerJoined, first)
	conn.in <- encode(t, protocol.EventPlayerJoined, protocol.PlayerJoinedPayload{RoomID: "r1"})
	require.Eventually(t, func() bool { return len(snapshot()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, "second", snapshot()[2])

	m.ClearAllListeners()
	conn.in <- encode(t, protocol.EventGameOver, protocol.GameOverPayload{RoomID: "r1"})
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, snapshot(), 3)
	assert.True(t, m.IsConnected(), "invalid message does not drop the connection")
}

func TestManager_AutoReconnect(t *testing.T) {
	tr := &fakeTransport{}
	m, log := newManager(t, tr)
	require.NoError(t, m.Connect(context.Background()))

	tr.last().drop(errDropped)

	require.Eventually(t, func() bool {
		return tr.dialCount() == 2 && m.IsConnected()
	}, time.Second, time.Millisecond)
	assert.Zero(t, m.ReconnectAttempts())
	assert.NoError(t, m.LastError())

	statuses, messages := log.snapshot()
	assert.Equal(t, []connection.Status{
		connection.StatusConnecting,
		connection.StatusConnected,
		connection.StatusDisconnected,
		connection.StatusConnecting,
		connection.StatusConnected,
	}, statuses)
	assert.NotContains(t, statuses, connection.StatusError)
	require.NotEmpty(t, messages)
	assert.Equal(t, "Connection lost. Reconnecting...", messages[0])
}

func TestManager_ReconnectGivesUp(t *testing.T) {
	tr := &fakeTransport{}
	m, log := newManager(t, tr)
	require.NoError(t, m.Connect(context.Background()))

	tr.setFailAll(errDropped)
	tr.last().drop(errDropped)

	// 首次連線 + 3 次重連
	require.Eventually(t, func() bool {
		_, messages := log.snapshot()
		return len(messages) > 0 && strings.HasPrefix(messages[len(messages)-1], "Unable to reconnect")
	}, time.Second, time.Millisecond)
	assert.Equal(t, 4, tr.dialCount())
	assert.Equal(t, connection.StatusError, m.Status())
	assert.Equal(t, 3, m.ReconnectAttempts())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, tr.dialCount(), "no further attempts")
}

func TestManager_FatalCodeStopsReconnect(t *testing.T) {
	tests := []struct {
		name string
		drop func(t *testing.T, c interface{ drop(error) }, in chan []byte)
	}{
		{
			name: "close reason",
			drop: func(_ *testing.T, c interface{ drop(error) }, _ chan []byte) {
				c.drop(&connection.CloseError{Code: websocket.ClosePolicyViolation, Reason: reconnect.CodeBanned})
			},
		},
		{
			name: "error event before close",
			drop: func(t *testing.T, c interface{ drop(error) }, in chan []byte) {
				in <- encode(t, protocol.EventError, protocol.ErrorPayload{Code: reconnect.CodeAuthFailed, Message: "bad token"})
				time.Sleep(20 * time.Millisecond)
				c.drop(errDropped)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTransport{}
			m, log := newManager(t, tr)
			require.NoError(t, m.Connect(context.Background()))

			conn := tr.last()
			tt.drop(t, conn, conn.in)

			// 先斷線，放棄重連後停在 error
			require.Eventually(t, func() bool {
				return m.Status() == connection.StatusError
			}, time.Second, time.Millisecond)
			time.Sleep(30 * time.Millisecond)
			assert.Equal(t, 1, tr.dialCount())

			statuses, _ := log.snapshot()
			assert.NotContains(t, statuses[2:], connection.StatusConnecting)
			assert.Equal(t, connection.StatusError, statuses[len(statuses)-1])
		})
	}
}

func TestManager_DisconnectCancelsPendingReconnect(t *testing.T) {
	tr := &fakeTransport{}
	policy := fastPolicy(3)
	policy.BaseDelay = 50 * time.Millisecond
	policy.MaxDelay = 50 * time.Millisecond
	m, _ := newManager(t, tr, connection.WithPolicy(policy))
	require.NoError(t, m.Connect(context.Background()))

	tr.last().drop(errDropped)
	require.Eventually(t, func() bool {
		return m.Status() == connection.StatusDisconnected
	}, time.Second, time.Millisecond)

	m.Disconnect()
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 1, tr.dialCount())
	assert.Equal(t, connection.StatusDisconnected, m.Status())
}

func TestManager_AutoReconnectDisabled(t *testing.T) {
	tr := &fakeTransport{}
	m, log := newManager(t, tr, connection.WithAutoReconnect(false))
	require.NoError(t, m.Connect(context.Background()))

	tr.last().drop(errDropped)
	require.Eventually(t, func() bool {
		return !m.IsConnected()
	}, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, connection.StatusDisconnected, m.Status())
	assert.Equal(t, 1, tr.dialCount())
	assert.ErrorIs(t, m.LastError(), errDropped)

	statuses, messages := log.snapshot()
	assert.Equal(t, connection.StatusDisconnected, statuses[len(statuses)-1])
	assert.Empty(t, messages)
}

// TestManager_DisconnectDuringReconnectDial 自動重連撥號中呼叫 Disconnect，撥號結果被丟棄
func TestManager_DisconnectDuringReconnectDial(t *testing.T) {
	tr := &fakeTransport{}
	m, log := newManager(t, tr)
	require.NoError(t, m.Connect(context.Background()))

	tr.gate = make(chan struct{})
	tr.last().drop(errDropped)

	require.Eventually(t, func() bool {
		return m.Status() == connection.StatusConnecting
	}, time.Second, time.Millisecond)

	m.Disconnect()
	close(tr.gate)

	require.Eventually(t, func() bool {
		return tr.dialCount() == 2 && tr.last().isClosed()
	}, time.Second, time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, connection.StatusDisconnected, m.Status())
	assert.False(t, m.IsConnected())
	assert.Equal(t, 2, tr.dialCount(), "no further attempts")
	assert.ErrorIs(t, m.Emit(protocol.EventPing, protocol.PingPayload{ClientTime: 1}), connection.ErrNotConnected)

	statuses, _ := log.snapshot()
	assert.Equal(t, connection.StatusDisconnected, statuses[len(statuses)-1])
	assert.NotContains(t, statuses[2:], connection.StatusConnected)
}

func TestManager_PingLatency(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	tr := &fakeTransport{}
	m, _ := newManager(t, tr, connection.WithClock(clock))
	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Ping())

	sent := tr.last().sent()
	require.Len(t, sent, 1)
	ping, err := protocol.PayloadAs[protocol.PingPayload](sent[0])
	require.NoError(t, err)
	assert.Equal(t, now.UnixMilli(), ping.ClientTime)

	mu.Lock()
	now = now.Add(80 * time.Millisecond)
	mu.Unlock()

	tr.last().in <- encode(t, protocol.EventPong, protocol.PongPayload{ClientTime: ping.ClientTime, ServerTime: ping.ClientTime + 40})
	require.Eventually(t, func() bool {
		return m.Latency() == 80*time.Millisecond
	}, time.Second, time.Millisecond)
}

// TestManager_WebSocket 以真實的 gorilla 伺服器驗證傳輸層
func TestManager_WebSocket(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(data)
			if err != nil || env.Type != protocol.EventPing {
				continue
			}
			var ping protocol.PingPayload
			if json.Unmarshal(env.Payload, &ping) != nil {
				continue
			}
			pong, _ := protocol.Encode(protocol.NewEvent(protocol.EventPong, protocol.PongPayload{
				ClientTime: ping.ClientTime,
				ServerTime: time.Now().UnixMilli(),
			}))
			if conn.WriteMessage(websocket.TextMessage, pong) != nil {
				return
			}
			if ping.ClientTime == 1 {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reconnect.CodeBanned),
					time.Now().Add(time.Second))
				return
			}
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	m := connection.NewManager(url, connection.WithPolicy(fastPolicy(3)))
	defer m.Disconnect()

	pongs := make(chan protocol.Envelope, 4)
	m.On(protocol.EventPong, func(env protocol.Envelope) { pongs <- env })

	require.NoError(t, m.Connect(context.Background()))
	require.NoError(t, m.Ping())

	select {
	case env := <-pongs:
		assert.Equal(t, protocol.EventPong, env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no pong")
	}

	// 伺服器以 BANNED 關閉，不應重連
	require.NoError(t, m.Emit(protocol.EventPing, protocol.PingPayload{ClientTime: 1}))
	require.Eventually(t, func() bool {
		return m.Status() == connection.StatusError
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, connection.StatusError, m.Status())

	_, err := connection.NewWebSocketTransport(time.Second).Dial(context.Background(), "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}
