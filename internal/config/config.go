// Package config 伺服器設定：YAML 檔案 + 環境變數覆蓋
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的設定
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Room      RoomConfig      `yaml:"room"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sync      SyncConfig      `yaml:"sync"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
}

// ServerConfig HTTP / WebSocket
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"` // 空白代表允許全部
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
}

// LogConfig 日誌
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text 或 json
	Output string `yaml:"output"` // stdout、stderr 或檔案路徑
}

// RoomConfig 房間
type RoomConfig struct {
	DefaultMaxPlayers int           `yaml:"default_max_players"`
	MinPlayers        int           `yaml:"min_players"`
	MaxPlayersLimit   int           `yaml:"max_players_limit"`
	MaxAge            time.Duration `yaml:"max_age"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// Quota 單一動作的配額
type Quota struct {
	MaxRequests int           `yaml:"max_requests"`
	Window      time.Duration `yaml:"window"`
}

// RateLimitConfig 限流
type RateLimitConfig struct {
	Strategy        string        `yaml:"strategy"` // token-bucket 或 sliding-window
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	Chat            Quota         `yaml:"chat"`
	Position        Quota         `yaml:"position"`
	RoomCreate      Quota         `yaml:"room_create"`
}

// SyncConfig 狀態同步
type SyncConfig struct {
	Interval      time.Duration `yaml:"interval"`
	ObstacleCount int           `yaml:"obstacle_count"`
}

// RedisConfig 分散式限流用的 Redis，Addr 為空時使用單機限流
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	KeyPrefix    string        `yaml:"key_prefix"`
}

// Enabled 是否設定了 Redis
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// NATSConfig 跨實例廣播，URL 為空時為單實例
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
	PingInterval  time.Duration `yaml:"ping_interval"`
}

// Enabled 是否設定了 NATS
func (c NATSConfig) Enabled() bool {
	return c.URL != ""
}

// Default 預設設定
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxMessageBytes: 4096,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Room: RoomConfig{
			DefaultMaxPlayers: 4,
			MinPlayers:        2,
			MaxPlayersLimit:   8,
			MaxAge:            30 * time.Minute,
			CleanupInterval:   time.Minute,
		},
		RateLimit: RateLimitConfig{
			Strategy:        "token-bucket",
			CleanupInterval: time.Minute,
			Chat:            Quota{MaxRequests: 5, Window: 10 * time.Second},
			Position:        Quota{MaxRequests: 30, Window: time.Second},
			RoomCreate:      Quota{MaxRequests: 3, Window: time.Minute},
		},
		Sync: SyncConfig{
			Interval:      50 * time.Millisecond,
			ObstacleCount: 50,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  100 * time.Millisecond,
			WriteTimeout: 100 * time.Millisecond,
			KeyPrefix:    "arcade:ratelimit",
		},
		NATS: NATSConfig{
			SubjectPrefix: "arcade",
			ReconnectWait: time.Second,
			PingInterval:  20 * time.Second,
		},
	}
}

// Load 讀取設定檔；檔案不存在時使用預設值，之後套用環境變數
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304 - path 來自啟動參數
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 部署相關的值可由環境變數覆蓋
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate 檢查設定
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes must be positive"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Room.MinPlayers < 1 {
		errs = append(errs, errors.New("room.min_players must be >= 1"))
	}
	if c.Room.MaxPlayersLimit < 2 {
		errs = append(errs, errors.New("room.max_players_limit must be >= 2"))
	}
	if c.Room.DefaultMaxPlayers < 2 || c.Room.DefaultMaxPlayers > c.Room.MaxPlayersLimit {
		errs = append(errs, fmt.Errorf("room.default_max_players must be between 2 and %d", c.Room.MaxPlayersLimit))
	}
	if c.Room.MinPlayers > c.Room.MaxPlayersLimit {
		errs = append(errs, errors.New("room.min_players exceeds room.max_players_limit"))
	}
	if c.Room.MaxAge <= 0 || c.Room.CleanupInterval <= 0 {
		errs = append(errs, errors.New("room.max_age and room.cleanup_interval must be positive"))
	}
	switch c.RateLimit.Strategy {
	case "token-bucket", "sliding-window":
	default:
		errs = append(errs, fmt.Errorf("rate_limit.strategy must be token-bucket or sliding-window, got %q", c.RateLimit.Strategy))
	}
	for name, q := range map[string]Quota{
		"chat":        c.RateLimit.Chat,
		"position":    c.RateLimit.Position,
		"room_create": c.RateLimit.RoomCreate,
	} {
		if q.MaxRequests <= 0 || q.Window <= 0 {
			errs = append(errs, fmt.Errorf("rate_limit.%s needs positive max_requests and window", name))
		}
	}
	if c.RateLimit.CleanupInterval <= 0 {
		errs = append(errs, errors.New("rate_limit.cleanup_interval must be positive"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.ObstacleCount < 0 {
		errs = append(errs, errors.New("sync.obstacle_count must be >= 0"))
	}

	return errors.Join(errs...)
}

// Addr 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
