// 遊戲同步伺服器
//
// WebSocket 入口在 /ws，房間瀏覽 API 在 /api/v1/rooms。
// 設定 redis.addr 時限流改為分散式，設定 nats.url 時房間廣播跨實例轉發。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/koopa0/arcade-sync/internal/bus"
	"github.com/koopa0/arcade-sync/internal/config"
	"github.com/koopa0/arcade-sync/internal/handler"
	"github.com/koopa0/arcade-sync/internal/hub"
	"github.com/koopa0/arcade-sync/internal/ratelimit"
	"github.com/koopa0/arcade-sync/internal/room"
	"github.com/koopa0/arcade-sync/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "config.yaml", "設定檔路徑")
		port       = flag.Int("port", 0, "伺服器端口（覆蓋設定檔）")
		logLevel   = flag.String("log-level", "", "日誌級別 (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "日誌格式 (text, json)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, cfg.Log.Output)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}

	gates, closeRedis, err := setupGates(cfg, log)
	if err != nil {
		return err
	}
	defer closeRedis()

	registry := room.NewRegistry(room.Config{
		DefaultMaxPlayers: cfg.Room.DefaultMaxPlayers,
		MinPlayers:        cfg.Room.MinPlayers,
		MaxPlayersLimit:   cfg.Room.MaxPlayersLimit,
	}, log)

	b, err := setupBus(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("close bus", "error", err)
		}
	}()

	wsHub, err := hub.New(registry, log,
		hub.WithGates(gates),
		hub.WithBus(b),
		hub.WithConfig(hub.Config{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			MaxMessageBytes:  cfg.Server.MaxMessageBytes,
			SyncInterval:     cfg.Sync.Interval,
			ObstacleCount:    cfg.Sync.ObstacleCount,
			RoomMaxAge:       cfg.Room.MaxAge,
			CleanupInterval:  cfg.Room.CleanupInterval,
			RateLimitCleanup: cfg.RateLimit.CleanupInterval,
		}),
	)
	if err != nil {
		return fmt.Errorf("create hub: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/", handler.New(registry, gates, wsHub, log).Routes())
	mux.HandleFunc("GET /ws", wsHub.ServeWS)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			"addr", server.Addr,
			"redis", cfg.Redis.Enabled(),
			"nats", cfg.NATS.Enabled(),
			"rate_limit_strategy", cfg.RateLimit.Strategy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		wsHub.Stop()
		return fmt.Errorf("listen: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// 先關閉 WebSocket 連線，Shutdown 不會等待被劫持的連線
	wsHub.Stop()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("server shutdown failed", "error", err)
	}

	log.Info("server stopped")
	return nil
}

// setupGates 建立限流閘門；Redis 不可用時退回單機限流
func setupGates(cfg *config.Config, log *slog.Logger) (*ratelimit.Gates, func(), error) {
	strategy := ratelimit.Strategy(cfg.RateLimit.Strategy)
	quotas := map[ratelimit.Action]config.Quota{
		ratelimit.ActionChat:       cfg.RateLimit.Chat,
		ratelimit.ActionPosition:   cfg.RateLimit.Position,
		ratelimit.ActionRoomCreate: cfg.RateLimit.RoomCreate,
	}

	var client redis.UniversalClient
	if cfg.Redis.Enabled() {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:        []string{cfg.Redis.Addr},
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			MaxRetries:   cfg.Redis.MaxRetries,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		err := client.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Warn("redis unavailable, using local rate limiters", "addr", cfg.Redis.Addr, "error", err)
			_ = client.Close()
			client = nil
		}
	}

	limiters := make(map[ratelimit.Action]ratelimit.Limiter, len(quotas))
	for action, q := range quotas {
		lc := ratelimit.Config{MaxRequests: q.MaxRequests, Window: q.Window}

		var (
			l   ratelimit.Limiter
			err error
		)
		if client != nil {
			l, err = ratelimit.NewRedis(client, cfg.Redis.KeyPrefix+":"+string(action), lc, strategy,
				ratelimit.WithLogger(log))
		} else {
			l, err = ratelimit.New(lc, strategy)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("rate limiter %s: %w", action, err)
		}
		limiters[action] = l
	}

	closeFn := func() {}
	if client != nil {
		log.Info("using distributed rate limiting", "addr", cfg.Redis.Addr)
		closeFn = func() {
			if err := client.Close(); err != nil {
				log.Warn("close redis", "error", err)
			}
		}
	}
	return ratelimit.NewGates(limiters), closeFn, nil
}

// setupBus 未設定 NATS 時使用單機廣播
func setupBus(cfg *config.Config, log *slog.Logger) (bus.Bus, error) {
	if !cfg.NATS.Enabled() {
		return bus.NewLocal(), nil
	}
	b, err := bus.NewNATS(bus.NATSConfig{
		URL:           cfg.NATS.URL,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		ReconnectWait: cfg.NATS.ReconnectWait,
		PingInterval:  cfg.NATS.PingInterval,
	}, log)
	if err != nil {
		return nil, err
	}
	log.Info("cross-instance broadcast enabled", "url", cfg.NATS.URL, "instance", b.InstanceID())
	return b, nil
}
