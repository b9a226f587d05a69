// Package hub 伺服器端的 WebSocket 連線中心。
//
// 每條連線一個 read goroutine 與一個 write goroutine：
//   - readPump 依序處理同一連線的訊息：解碼 → 限流 → Dispatch → 房間操作 → 廣播
//   - writePump 從 send channel 取訊息，並負責心跳（54s ping / 60s pong 等待）
//
// 房間狀態的權威來源是 room.Registry，Hub 只記錄哪條連線在哪個房間。
//
// 鎖的規則：Hub.mu 保護 clients / rooms / players 三張表與每個 client 的
// playerID、roomID、closed 欄位。送進 send channel 一律持有讀鎖，
// 關閉 send channel 一律持有寫鎖，所以不會對已關閉的 channel 送資料。
// 持有 Hub.mu 時不呼叫 Registry。
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/arcade-sync/internal/bus"
	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/ratelimit"
	"github.com/koopa0/arcade-sync/internal/room"
	"github.com/koopa0/arcade-sync/internal/statesync"
)

// 連線參數
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second // 必須小於 pongWait
	sendBufferSize = 256
	busTimeout     = time.Second
)

// Config Hub 設定
type Config struct {
	AllowedOrigins   []string // 空白代表允許全部
	MaxMessageBytes  int64
	SyncInterval     time.Duration
	ObstacleCount    int
	RoomMaxAge       time.Duration
	CleanupInterval  time.Duration
	RateLimitCleanup time.Duration
}

// DefaultConfig 預設設定
func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:  4096,
		SyncInterval:     statesync.DefaultSyncInterval,
		ObstacleCount:    50,
		RoomMaxAge:       30 * time.Minute,
		CleanupInterval:  time.Minute,
		RateLimitCleanup: time.Minute,
	}
}

// Option Hub 選項
type Option func(*Hub)

// WithConfig 設定
func WithConfig(cfg Config) Option {
	return func(h *Hub) {
		h.cfg = cfg
	}
}

// WithGates 限流閘門，未設定時不限流
func WithGates(g *ratelimit.Gates) Option {
	return func(h *Hub) {
		h.gates = g
	}
}

// WithBus 跨實例廣播，未設定時只廣播給本機連線
func WithBus(b bus.Bus) Option {
	return func(h *Hub) {
		h.bus = b
	}
}

// WithClock 注入時鐘
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// Hub WebSocket 連線中心
type Hub struct {
	cfg      Config
	registry *room.Registry
	gates    *ratelimit.Gates
	bus      bus.Bus
	sync     *statesync.Synchronizer
	logger   *slog.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu      sync.RWMutex
	clients map[string]*client            // connID -> client
	rooms   map[string]map[string]*client // roomID -> connID -> client
	players map[string]*client            // playerID -> client

	// lastSync 只在 syncLoop 中使用
	lastSync map[string]syncMark

	unsubscribe func() error
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// New 建立 Hub 並啟動背景工作
func New(registry *room.Registry, logger *slog.Logger, opts ...Option) (*Hub, error) {
	h := &Hub{
		cfg:      DefaultConfig(),
		registry: registry,
		logger:   logger.With("component", "hub"),
		now:      time.Now,
		clients:  make(map[string]*client),
		rooms:    make(map[string]map[string]*client),
		players:  make(map[string]*client),
		lastSync: make(map[string]syncMark),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.gates == nil {
		h.gates = ratelimit.NewGates(nil)
	}
	if h.bus == nil {
		h.bus = bus.NewLocal()
	}
	def := DefaultConfig()
	if h.cfg.MaxMessageBytes <= 0 {
		h.cfg.MaxMessageBytes = def.MaxMessageBytes
	}
	if h.cfg.SyncInterval <= 0 {
		h.cfg.SyncInterval = def.SyncInterval
	}
	if h.cfg.RoomMaxAge <= 0 {
		h.cfg.RoomMaxAge = def.RoomMaxAge
	}
	if h.cfg.CleanupInterval <= 0 {
		h.cfg.CleanupInterval = def.CleanupInterval
	}
	if h.cfg.RateLimitCleanup <= 0 {
		h.cfg.RateLimitCleanup = def.RateLimitCleanup
	}

	h.sync = statesync.New(statesync.WithClock(h.now), statesync.WithInterval(h.cfg.SyncInterval))
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	unsubscribe, err := h.bus.Subscribe(func(roomID string, data []byte) {
		h.broadcastLocal(roomID, data, "")
	})
	if err != nil {
		return nil, err
	}
	h.unsubscribe = unsubscribe

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(3)
	go h.syncLoop()
	go h.cleanupLoop()
	go func() {
		defer h.wg.Done()
		h.gates.Run(h.ctx, h.cfg.RateLimitCleanup, h.logger)
	}()

	return h, nil
}

// checkOrigin 沒有 Origin 標頭的請求（非瀏覽器客戶端）一律允許
func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(h.cfg.AllowedOrigins, origin)
}

// ServeWS 升級為 WebSocket 連線
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已經回覆錯誤
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(h, uuid.NewString(), conn)
	h.register(c)

	go c.writePump()
	go c.readPump()

	h.logger.Debug("websocket connected", "conn_id", c.id, "remote", r.RemoteAddr)
}

// register 註冊連線
func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
}

// unregister 連線結束：離開配對池與房間、清除限流紀錄
//
// 連線已被同一玩家的新連線取代時，只移除連線本身。
func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.detachLocked(c)
	playerID := c.playerID
	owns := playerID != "" && h.players[playerID] == c
	if owns {
		delete(h.players, playerID)
	}
	c.closeSend()
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	if err := h.gates.ResetID(ctx, c.id); err != nil {
		h.logger.Warn("reset rate limit failed", "conn_id", c.id, "error", err)
	}

	h.logger.Debug("websocket disconnected", "conn_id", c.id, "player_id", playerID)
	if !owns {
		return
	}

	h.registry.RemoveSearcher(playerID)
	res, left, err := h.registry.LeaveAny(playerID)
	if err != nil {
		h.logger.Warn("leave on disconnect failed", "player_id", playerID, "error", err)
	}
	if left {
		h.announceLeave(playerID, res)
	}
	if err := h.gates.ResetID(ctx, playerID); err != nil {
		h.logger.Warn("reset rate limit failed", "player_id", playerID, "error", err)
	}
}

// bind 把連線綁定到玩家
//
// 同一玩家已有其他連線時，舊連線被關閉，房間成員資格留給新連線。
func (h *Hub) bind(c *client, playerID string) error {
	h.mu.Lock()
	if c.playerID != "" && c.playerID != playerID {
		h.mu.Unlock()
		return errBoundToOther(c.playerID)
	}
	old := h.players[playerID]
	h.players[playerID] = c
	c.playerID = playerID
	c.refreshLogCtxLocked()
	if old != nil && old != c {
		h.detachLocked(old)
		old.playerID = ""
		old.refreshLogCtxLocked()
		old.closeSend()
	} else {
		old = nil
	}
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("player session taken over",
			"player_id", playerID,
			"old_conn_id", old.id,
			"conn_id", c.id)
	}
	return nil
}

// attach 把連線加入房間的廣播對象
func (h *Hub) attach(c *client, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.detachLocked(c)
	if c.closed {
		return
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[string]*client)
	}
	h.rooms[roomID][c.id] = c
	c.roomID = roomID
	c.refreshLogCtxLocked()
}

// detach 把連線移出房間的廣播對象
func (h *Hub) detach(c *client) {
	h.mu.Lock()
	h.detachLocked(c)
	h.mu.Unlock()
}

func (h *Hub) detachLocked(c *client) {
	if c.roomID == "" {
		return
	}
	if conns, ok := h.rooms[c.roomID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.rooms, c.roomID)
		}
	}
	c.roomID = ""
	c.refreshLogCtxLocked()
}

// playerClient 玩家目前的連線
func (h *Hub) playerClient(playerID string) (*client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.players[playerID]
	return c, ok
}

// localRooms 本機有連線的房間
func (h *Hub) localRooms() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	return ids
}

// deliver 送給單一連線
func (h *Hub) deliver(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.enqueue(data)
}

// broadcastLocal 廣播給本機房間內的連線，except 為要略過的 connID
func (h *Hub) broadcastLocal(roomID string, data []byte, except string) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.rooms[roomID] {
		if id == except {
			continue
		}
		c.enqueue(data)
	}
}

// publish 廣播給本機連線並送到 bus
func (h *Hub) publish(roomID string, data []byte, except string) {
	h.broadcastLocal(roomID, data, except)

	ctx, cancel := context.WithTimeout(context.Background(), busTimeout)
	defer cancel()
	if err := h.bus.Publish(ctx, roomID, data); err != nil {
		h.logger.Warn("bus publish failed", "room_id", roomID, "error", err)
	}
}

// emit 編碼後廣播到房間
func emit[T any](h *Hub, roomID string, e protocol.Event[T], except string) {
	data, err := protocol.Encode(e)
	if err != nil {
		h.logger.Error("encode event failed", "type", e.Type, "error", err)
		return
	}
	h.publish(roomID, data, except)
}

// ConnectionCount 目前連線數
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomConnections 每個房間的本機連線數
func (h *Hub) RoomConnections() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	result := make(map[string]int, len(h.rooms))
	for roomID, conns := range h.rooms {
		result[roomID] = len(conns)
	}
	return result
}

// Stop 停止背景工作並關閉所有連線，可重複呼叫
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		if h.unsubscribe != nil {
			if err := h.unsubscribe(); err != nil {
				h.logger.Warn("bus unsubscribe failed", "error", err)
			}
		}
		h.wg.Wait()

		// 關閉 send channel 後 writePump 會送出 close frame
		h.mu.Lock()
		for _, c := range h.clients {
			c.closeSend()
		}
		h.mu.Unlock()

		h.logger.Info("hub stopped")
	})
}
