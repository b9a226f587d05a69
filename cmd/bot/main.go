// 無介面的測試玩家
//
// 連上伺服器後快速配對（或加入指定房間），遊戲開始後依同步頻率回報位置、
// 隨機跳躍，存活時間到時回報淘汰。可同時啟動多個 bot 做壓力測試。
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/arcade-sync/internal/connection"
	"github.com/koopa0/arcade-sync/internal/protocol"
	"github.com/koopa0/arcade-sync/internal/reconnect"
	"github.com/koopa0/arcade-sync/internal/statesync"
	"github.com/koopa0/arcade-sync/pkg/logger"
)

// 簡化的跳躍物理，單位與前端一致（像素、每幀）
const (
	groundY      = 0.0
	jumpVelocity = 12.0
	gravity      = 0.6
	runSpeed     = 6.0

	frameDuration  = 16 * time.Millisecond
	staleThreshold = 3 * time.Second
)

type options struct {
	url        string
	name       string
	roomID     string
	bots       int
	autoStart  bool
	lifetime   time.Duration
	jumpChance float64
}

func main() {
	var opts options
	flag.StringVar(&opts.url, "url", "ws://localhost:8080/ws", "伺服器 WebSocket 位址")
	flag.StringVar(&opts.name, "name", "bot", "玩家名稱前綴")
	flag.StringVar(&opts.roomID, "room", "", "加入指定房間，空白時快速配對")
	flag.IntVar(&opts.bots, "bots", 1, "同時啟動的 bot 數量")
	flag.BoolVar(&opts.autoStart, "auto-start", true, "房主在人數足夠時自動開始遊戲")
	flag.DurationVar(&opts.lifetime, "lifetime", 20*time.Second, "遊戲開始後多久回報淘汰")
	flag.Float64Var(&opts.jumpChance, "jump-chance", 0.05, "每次回報時跳躍的機率")
	logLevel := flag.String("log-level", "info", "日誌級別 (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "日誌格式 (text, json)")
	flag.Parse()

	log, err := logger.New(*logLevel, *logFormat, "stdout")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := range opts.bots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := newBot(opts, fmt.Sprintf("%s-%d", opts.name, i+1), log)
			if err := b.run(ctx); err != nil {
				b.logger.Error("bot stopped", "error", err)
			}
		}()
	}
	wg.Wait()
}

// bot 單一模擬玩家
type bot struct {
	opts     options
	id       string
	name     string
	conn     *connection.Manager
	sync     *statesync.Synchronizer
	logger   *slog.Logger
	finished chan struct{}

	mu       sync.Mutex
	roomID   string
	playing  bool
	pos      statesync.Position
	score    int
	started  time.Time
	lastSync time.Time
	remotes  map[string]*statesync.RemoteState
	doneOnce sync.Once
}

func newBot(opts options, name string, log *slog.Logger) *bot {
	id := uuid.NewString()
	l := log.With("bot", name, "player_id", id)
	return &bot{
		opts:     opts,
		id:       id,
		name:     name,
		conn:     connection.NewManager(opts.url, connection.WithLogger(l), connection.WithPolicy(reconnect.DefaultPolicy())),
		sync:     statesync.New(),
		logger:   l,
		finished: make(chan struct{}),
		pos:      statesync.Position{IsGrounded: true},
		remotes:  make(map[string]*statesync.RemoteState),
	}
}

func (b *bot) run(ctx context.Context) error {
	b.conn.OnStatusChange(func(s connection.Status, msg string) {
		b.logger.Info("connection status", "status", s, "message", msg)
		if s == connection.StatusConnected {
			b.enter()
		}
	})
	b.listen()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := b.conn.Connect(dialCtx)
	cancel()
	if err != nil {
		return err
	}
	defer b.conn.Disconnect()

	ticker := time.NewTicker(b.sync.Interval())
	defer ticker.Stop()
	pingTicker := time.NewTicker(5 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			b.leave()
			return nil
		case <-b.finished:
			return nil
		case <-pingTicker.C:
			if err := b.conn.Ping(); err == nil {
				b.observeRemotes()
			}
		case <-ticker.C:
			b.tick()
		}
	}
}

// enter 連線（或重連）後進入房間；同一 playerId 重新加入會恢復原房間
func (b *bot) enter() {
	b.mu.Lock()
	roomID := b.roomID
	b.mu.Unlock()

	switch {
	case roomID != "":
		b.emit(protocol.EventJoinRoom, protocol.JoinRoomPayload{PlayerID: b.id, PlayerName: b.name, RoomID: roomID})
	case b.opts.roomID != "":
		b.emit(protocol.EventJoinRoom, protocol.JoinRoomPayload{PlayerID: b.id, PlayerName: b.name, RoomID: b.opts.roomID})
	default:
		b.emit(protocol.EventQuickMatch, protocol.QuickMatchPayload{PlayerID: b.id, PlayerName: b.name})
	}
}

func (b *bot) leave() {
	b.mu.Lock()
	roomID := b.roomID
	b.mu.Unlock()
	if roomID != "" {
		b.emit(protocol.EventLeaveRoom, protocol.LeaveRoomPayload{PlayerID: b.id, RoomID: roomID})
	}
}

func (b *bot) listen() {
	b.conn.On(protocol.EventRoomState, func(env protocol.Envelope) {
		p, err := protocol.PayloadAs[protocol.RoomStatePayload](env)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.roomID = p.RoomID
		b.mu.Unlock()

		b.logger.Info("room state", "room_id", p.RoomID, "status", p.Status, "players", len(p.Players))
		if b.opts.autoStart && p.HostID == b.id && p.Status == "waiting" && len(p.Players) >= 2 {
			b.emit(protocol.EventStartGame, protocol.StartGamePayload{PlayerID: b.id, RoomID: p.RoomID})
		}
	})

	b.conn.On(protocol.EventGameStarted, func(env protocol.Envelope) {
		p, err := protocol.PayloadAs[protocol.GameStartPayload](env)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.playing = true
		b.started = time.UnixMilli(p.GameStartTime)
		b.mu.Unlock()
		b.logger.Info("game started", "room_id", p.RoomID)
	})

	b.conn.On(protocol.EventSyncObstacles, func(env protocol.Envelope) {
		if p, err := protocol.PayloadAs[protocol.ObstacleSyncPayload](env); err == nil {
			b.logger.Debug("obstacles", "count", len(p.Obstacles))
		}
	})

	b.conn.On(protocol.EventSyncPlayers, func(env protocol.Envelope) {
		p, err := protocol.PayloadAs[protocol.SyncPlayersPayload](env)
		if err != nil {
			return
		}
		now := b.sync.Now()
		b.mu.Lock()
		for _, snap := range p.Players {
			if snap.PlayerID == b.id {
				continue
			}
			rs, ok := b.remotes[snap.PlayerID]
			if !ok {
				rs = statesync.NewRemoteState()
				b.remotes[snap.PlayerID] = rs
			}
			rs.Apply(statesync.FromSnapshot(snap), now)
		}
		b.mu.Unlock()
	})

	b.conn.On(protocol.EventGameOver, func(env protocol.Envelope) {
		p, err := protocol.PayloadAs[protocol.GameOverPayload](env)
		if err != nil {
			return
		}
		b.logger.Info("game over", "room_id", p.RoomID, "winner", p.WinnerID, "won", p.WinnerID == b.id)
		b.doneOnce.Do(func() { close(b.finished) })
	})

	b.conn.On(protocol.EventMessageReceived, func(env protocol.Envelope) {
		if p, err := protocol.PayloadAs[protocol.ChatMessagePayload](env); err == nil {
			b.logger.Info("chat", "from", p.SenderID, "message", p.Message)
		}
	})

	b.conn.On(protocol.EventError, func(env protocol.Envelope) {
		if p, err := protocol.PayloadAs[protocol.ErrorPayload](env); err == nil {
			b.logger.Warn("server error", "code", p.Code, "message", p.Message, "details", p.Details)
		}
	})
}

// observeRemotes 以量測到的延遲推估其他玩家的位置，並移除太久沒更新的玩家
func (b *bot) observeRemotes() {
	rtt := b.conn.Latency()
	frames := statesync.PredictionFrames(rtt/2, frameDuration)
	now := b.sync.Now()

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, rs := range b.remotes {
		if rs.IsStale(now, staleThreshold) {
			delete(b.remotes, id)
			continue
		}
		predicted := rs.Predict(frames)
		b.logger.Debug("remote player",
			"player_id", id,
			"rtt", rtt,
			"smoothed_y", rs.Sample(0.5).Y,
			"predicted_y", predicted.Y)
	}
}

// tick 推進物理並在間隔到時回報位置
func (b *bot) tick() {
	b.mu.Lock()
	if !b.playing || !b.sync.ShouldSyncPosition(b.lastSync) {
		b.mu.Unlock()
		return
	}
	b.lastSync = b.sync.Now()

	jumped := false
	if b.pos.IsGrounded && rand.Float64() < b.opts.jumpChance { // #nosec G404
		b.pos.VelocityY = jumpVelocity
		b.pos.IsGrounded = false
		jumped = true
	}
	b.pos.X += runSpeed
	if !b.pos.IsGrounded {
		b.pos.Y += b.pos.VelocityY
		b.pos.VelocityY -= gravity
		if b.pos.Y <= groundY {
			b.pos.Y, b.pos.VelocityY, b.pos.IsGrounded = groundY, 0, true
		}
	}
	b.score++

	roomID := b.roomID
	pos := b.pos
	score := b.score
	expired := time.Since(b.started) >= b.opts.lifetime
	if expired {
		b.playing = false
	}
	b.mu.Unlock()

	if jumped {
		b.emit(protocol.EventPlayerJump, protocol.PlayerJumpPayload{PlayerID: b.id, RoomID: roomID})
	}
	b.emit(protocol.EventUpdatePosition, protocol.PositionUpdatePayload{
		PlayerID:  b.id,
		RoomID:    roomID,
		X:         pos.X,
		Y:         pos.Y,
		VelocityY: pos.VelocityY,
		IsJumping: !pos.IsGrounded,
	})
	if expired {
		b.logger.Info("eliminated", "score", score)
		b.emit(protocol.EventPlayerEliminated, protocol.PlayerEliminatedPayload{PlayerID: b.id, RoomID: roomID, Score: score})
	}
}

func (b *bot) emit(t protocol.EventType, payload any) {
	if err := b.conn.Emit(t, payload); err != nil {
		b.logger.Debug("emit failed", "type", t, "error", err)
	}
}
