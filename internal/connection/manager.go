package connection

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/reconnect"
	"github.com/koopa0/arcade-sync/internal/statesync"
	apperrors "github.com/koopa0/arcade-sync/pkg/errors"
	"github.com/koopa0/arcade-sync/pkg/logger"
)

// Status 連線狀態
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

const defaultDialTimeout = 10 * time.Second

var (
	// ErrAlreadyConnecting 連線進行中
	ErrAlreadyConnecting = errors.New("connection already in progress")
	// ErrNotConnected 尚未連線，訊息不會排隊
	ErrNotConnected = errors.New("not connected")
	// ErrCanceled 撥號期間被 Disconnect 取消
	ErrCanceled = errors.New("connect canceled by disconnect")
)

// Listener 事件監聽器
type Listener func(env protocol.Envelope)

// ListenerID 用於 Off
type ListenerID uint64

// StatusObserver 狀態變化通知，message 為給使用者看的重連文字
type StatusObserver func(status Status, message string)

// Manager 客戶端連線管理器
type Manager struct {
	url           string
	transport     Transport
	policy        reconnect.Policy
	sync          *statesync.Synchronizer
	logger        *slog.Logger
	autoReconnect bool
	dialTimeout   time.Duration

	mu         sync.Mutex
	status     Status
	conn       Conn
	lastError  error
	attempts   int
	rs         reconnect.State
	fatalCode  string
	generation uint64
	timer      *time.Timer
	latency    time.Duration

	listeners map[protocol.EventType]map[ListenerID]Listener
	observers []StatusObserver
	nextID    ListenerID
}

// Option 設定選項
type Option func(*Manager)

// WithTransport 替換傳輸層
func WithTransport(t Transport) Option {
	return func(m *Manager) {
		m.transport = t
	}
}

// WithPolicy 設定重連策略
func WithPolicy(p reconnect.Policy) Option {
	return func(m *Manager) {
		m.policy = p
	}
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithAutoReconnect 意外斷線後是否自動重連（預設開啟）
func WithAutoReconnect(enabled bool) Option {
	return func(m *Manager) {
		m.autoReconnect = enabled
	}
}

// WithDialTimeout 自動重連時的撥號逾時
func WithDialTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.dialTimeout = d
	}
}

// WithClock 延遲計算使用的時鐘
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.sync = statesync.New(statesync.WithClock(now))
	}
}

// NewManager 建立連線管理器
func NewManager(url string, opts ...Option) *Manager {
	m := &Manager{
		url:           url,
		transport:     NewWebSocketTransport(defaultDialTimeout),
		policy:        reconnect.DefaultPolicy(),
		sync:          statesync.New(),
		logger:        logger.Discard(),
		autoReconnect: true,
		dialTimeout:   defaultDialTimeout,
		status:        StatusDisconnected,
		listeners:     make(map[protocol.EventType]map[ListenerID]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "connection", "url", url)
	return m
}

// Connect 建立連線
//
// 連線中返回 ErrAlreadyConnecting；已連線時直接返回 nil。
// 會取消尚未觸發的自動重連。
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.status {
	case StatusConnecting:
		m.mu.Unlock()
		return ErrAlreadyConnecting
	case StatusConnected:
		m.mu.Unlock()
		return nil
	}
	m.stopTimerLocked()
	m.generation++
	gen := m.generation
	m.rs = reconnect.ResetReconnectionState()
	m.fatalCode = ""
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify(StatusConnecting, "")

	conn, err := m.transport.Dial(ctx, m.url)
	return m.finishDial(gen, conn, err)
}

// finishDial 撥號結束後更新狀態；gen 過期代表期間呼叫過 Disconnect
func (m *Manager) finishDial(gen uint64, conn Conn, err error) error {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrCanceled
	}

	if err != nil {
		m.attempts++
		m.lastError = apperrors.Wrap(err, apperrors.ErrCodeConnection, "connect failed")
		m.status = StatusError
		attempts := m.attempts
		lastErr := m.lastError
		m.mu.Unlock()

		m.logger.Warn("connect failed", "attempts", attempts, "error", err)
		m.notify(StatusError, "")
		return lastErr
	}

	m.conn = conn
	m.status = StatusConnected
	m.attempts = 0
	m.lastError = nil
	m.rs = reconnect.ResetReconnectionState()
	m.mu.Unlock()

	m.logger.Info("connected")
	m.notify(StatusConnected, "")
	go m.readLoop(gen, conn)
	return nil
}

// Disconnect 關閉連線並清除所有監聽器，可重複呼叫
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopTimerLocked()
	m.generation++
	conn := m.conn
	m.conn = nil
	m.listeners = make(map[protocol.EventType]map[ListenerID]Listener)
	m.rs = reconnect.ResetReconnectionState()
	changed := m.status != StatusDisconnected
	m.status = StatusDisconnected
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.logger.Debug("close connection", "error", err)
		}
	}
	if changed {
		m.logger.Info("disconnected")
		m.notify(StatusDisconnected, "")
	}
}

// On 註冊監聽器
func (m *Manager) On(t protocol.EventType, l Listener) ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	if m.listeners[t] == nil {
		m.listeners[t] = make(map[ListenerID]Listener)
	}
	m.listeners[t][m.nextID] = l
	return m.nextID
}

// Off 移除監聽器
func (m *Manager) Off(t protocol.EventType, id ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.listeners[t], id)
	if len(m.listeners[t]) == 0 {
		delete(m.listeners, t)
	}
}

// ClearAllListeners 清除所有事件監聽器（狀態觀察者保留）
func (m *Manager) ClearAllListeners() {
	m.mu.Lock()
	m.listeners = make(map[protocol.EventType]map[ListenerID]Listener)
	m.mu.Unlock()
}

// OnStatusChange 註冊狀態觀察者
func (m *Manager) OnStatusChange(o StatusObserver) {
	m.mu.Lock()
	m.observers = append(m.observers, o)
	m.mu.Unlock()
}

// Emit 送出事件；未連線時記錄警告並返回 ErrNotConnected，不排隊
func (m *Manager) Emit(t protocol.EventType, payload any) error {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		m.logger.Warn("emit while not connected", "type", t)
		return ErrNotConnected
	}

	data, err := protocol.Encode(protocol.NewEvent(t, payload))
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "encode event")
	}
	if err := conn.WriteMessage(data); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeConnection, "write failed")
	}
	return nil
}

// Ping 送出 ping，pong 回來後更新 Latency
func (m *Manager) Ping() error {
	return m.Emit(protocol.EventPing, protocol.PingPayload{ClientTime: m.sync.Now().UnixMilli()})
}

// Latency 最近一次 ping 的往返時間
func (m *Manager) Latency() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latency
}

// Status 當前狀態
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected 是否已連線
func (m *Manager) IsConnected() bool {
	return m.Status() == StatusConnected
}

// ReconnectAttempts 連續失敗次數，連線成功後歸零
func (m *Manager) ReconnectAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError 最近一次連線錯誤
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleDrop(gen, conn, err)
			return
		}

		env, err := protocol.Decode(data)
		if err != nil {
			m.logger.Debug("dropping invalid message", "error", err)
			continue
		}
		m.observe(env)
		m.dispatch(env)
	}
}

// observe 處理管理器本身關心的事件
func (m *Manager) observe(env protocol.Envelope) {
	switch env.Type {
	case protocol.EventPong:
		p, err := protocol.PayloadAs[protocol.PongPayload](env)
		if err != nil || p.ClientTime <= 0 {
			return
		}
		delay := m.sync.CalculateNetworkDelay(time.UnixMilli(p.ClientTime))
		m.mu.Lock()
		m.latency = delay
		m.mu.Unlock()

	case protocol.EventError:
		p, err := protocol.PayloadAs[protocol.ErrorPayload](env)
		if err != nil || !reconnect.IsFatal(p.Code) {
			return
		}
		m.mu.Lock()
		m.fatalCode = p.Code
		m.mu.Unlock()
	}
}

func (m *Manager) dispatch(env protocol.Envelope) {
	m.mu.Lock()
	ls := make([]Listener, 0, len(m.listeners[env.Type]))
	ids := make([]ListenerID, 0, len(m.listeners[env.Type]))
	for id := range m.listeners[env.Type] {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		ls = append(ls, m.listeners[env.Type][id])
	}
	m.mu.Unlock()

	for _, l := range ls {
		l(env)
	}
}

// handleDrop 非主動斷線：回到 disconnected 並依策略排程重連
func (m *Manager) handleDrop(gen uint64, conn Conn, cause error) {
	_ = conn.Close()

	m.mu.Lock()
	if gen != m.generation || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.lastError = apperrors.Wrap(cause, apperrors.ErrCodeConnection, "connection lost")
	m.status = StatusDisconnected

	code := errorCode(cause)
	if code == "" {
		code = m.fatalCode
	}
	m.mu.Unlock()

	m.logger.Warn("connection lost", "error", cause, "code", code)
	m.retry(gen, code)
}

// retry 排程下一次重連，或在放棄時通知最終狀態
//
// 斷線後狀態為 disconnected，重連失敗後為 error；放棄重連時停在 error。
func (m *Manager) retry(gen uint64, code string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if !m.autoReconnect {
		status := m.status
		m.mu.Unlock()
		m.notify(status, "")
		return
	}

	made := m.rs.Attempts
	if !m.policy.ShouldAttempt(m.rs, code) {
		m.status = StatusError
		m.mu.Unlock()
		m.logger.Warn("giving up reconnect", "attempts", made, "code", code)
		m.notify(StatusError, reconnect.ReconnectMessage(m.policy.MaxAttempts, m.policy.MaxAttempts))
		return
	}

	delay := m.policy.Backoff(made)
	m.rs = m.policy.Update(m.rs, delay)
	m.timer = time.AfterFunc(delay, func() { m.reconnect(gen) })
	status := m.status
	m.mu.Unlock()

	m.logger.Info("reconnect scheduled", "attempt", made+1, "delay", delay)
	// 文字顯示已嘗試的次數
	m.notify(status, reconnect.ReconnectMessage(made, m.policy.MaxAttempts))
}

func (m *Manager) reconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.status = StatusConnecting
	m.mu.Unlock()
	m.notify(StatusConnecting, "")

	ctx, cancel := context.WithTimeout(context.Background(), m.dialTimeout)
	defer cancel()
	conn, err := m.transport.Dial(ctx, m.url)
	if err = m.finishDial(gen, conn, err); err == nil || errors.Is(err, ErrCanceled) {
		return
	}

	m.mu.Lock()
	m.rs.IsReconnecting = false
	m.mu.Unlock()
	m.retry(gen, errorCode(err))
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) notify(s Status, message string) {
	m.mu.Lock()
	observers := slices.Clone(m.observers)
	m.mu.Unlock()

	for _, o := range observers {
		o(s, message)
	}
}
