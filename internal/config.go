package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 房間 ID 長度範圍
const (
	MinRoomIDLength = 4
	MaxRoomIDLength = 8
)

// Config 整個應用的配置
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Presence  PresenceConfig  `yaml:"presence"`
	Allocator AllocatorConfig `yaml:"allocator"`
	Room      RoomConfig      `yaml:"room"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	NATS      NATSConfig      `yaml:"nats"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig HTTP 服務配置
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig Redis 連線配置
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	MaxRetries   int           `yaml:"max_retries"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// PresenceConfig Presence Registry 配置
type PresenceConfig struct {
	Driver    string `yaml:"driver"` // "memory" 或 "redis"
	KeyPrefix string `yaml:"key_prefix"`
}

// AllocatorConfig 房間 ID 分配配置
type AllocatorConfig struct {
	SetName     string `yaml:"set_name"`
	Alphabet    string `yaml:"alphabet"`
	Length      int    `yaml:"length"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// RoomConfig 房間行為配置
type RoomConfig struct {
	Capacity         int           `yaml:"capacity"`     // 建立房間時未指定容量的預設值
	MaxCapacity      int           `yaml:"max_capacity"` // 單房間容量上限
	MaxRooms         int           `yaml:"max_rooms"`    // 單進程房間數上限，0 = 不限
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectGrace   time.Duration `yaml:"reconnect_grace"`
	IdleDisposeAfter time.Duration `yaml:"idle_dispose_after"`
	RegistryTimeout  time.Duration `yaml:"registry_timeout"`
	MailboxSize      int           `yaml:"mailbox_size"`
}

// WebSocketConfig WebSocket 連線配置
type WebSocketConfig struct {
	SendBuffer     int           `yaml:"send_buffer"`
	PingPeriod     time.Duration `yaml:"ping_period"`
	PongWait       time.Duration `yaml:"pong_wait"`
	WriteWait      time.Duration `yaml:"write_wait"`
	MaxMessageSize int64         `yaml:"max_message_size"`
}

// NATSConfig 生命週期事件發布配置
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Embedded      bool   `yaml:"embedded"` // 單機開發：在進程內啟動 NATS，忽略 URL
}

// LogConfig 日誌配置
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig 返回默認配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     10,
			MinIdleConns: 2,
			MaxRetries:   3,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Presence: PresenceConfig{
			Driver:    "memory",
			KeyPrefix: "presence:",
		},
		Allocator: AllocatorConfig{
			SetName:     "GameRoom",
			Alphabet:    "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
			Length:      4,
			MaxAttempts: 32,
		},
		Room: RoomConfig{
			Capacity:         4,
			MaxCapacity:      64,
			MaxRooms:         1000,
			PingInterval:     5 * time.Second,
			ReconnectGrace:   20 * time.Second,
			IdleDisposeAfter: 60 * time.Second,
			RegistryTimeout:  3 * time.Second,
			MailboxSize:      256,
		},
		WebSocket: WebSocketConfig{
			SendBuffer:     256,
			PingPeriod:     9 * time.Second,
			PongWait:       10 * time.Second,
			WriteWait:      10 * time.Second,
			MaxMessageSize: 64 * 1024,
		},
		NATS: NATSConfig{
			Enabled:       false,
			URL:           "nats://localhost:4222",
			SubjectPrefix: "rooms",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 載入配置檔案
//
// 檔案中沒有出現的欄位保留默認值；path 為空時只使用默認值與環境變數。
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令行參數，非使用者請求
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
		c.Presence.Driver = "redis"
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		c.NATS.URL = url
		c.NATS.Enabled = true
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	return nil
}

// Validate 檢查所有配置，一次回報全部錯誤
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}

	switch c.Presence.Driver {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr must not be empty when presence.driver is redis")
		}
	default:
		errs = append(errs, fmt.Sprintf("presence.driver must be one of [memory, redis], got %q", c.Presence.Driver))
	}

	if c.Allocator.SetName == "" {
		errs = append(errs, "allocator.set_name must not be empty")
	}
	if err := ValidateAlphabet(c.Allocator.Alphabet); err != nil {
		errs = append(errs, "allocator.alphabet: "+err.Error())
	}
	if c.Allocator.Length < MinRoomIDLength || c.Allocator.Length > MaxRoomIDLength {
		errs = append(errs, fmt.Sprintf("allocator.length must be %d-%d, got %d", MinRoomIDLength, MaxRoomIDLength, c.Allocator.Length))
	}
	if c.Allocator.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("allocator.max_attempts must be >= 1, got %d", c.Allocator.MaxAttempts))
	}

	if err := c.Room.validate(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.WebSocket.SendBuffer < 1 {
		errs = append(errs, "websocket.send_buffer must be >= 1")
	}
	if c.WebSocket.PingPeriod >= c.WebSocket.PongWait {
		errs = append(errs, "websocket.ping_period must be shorter than websocket.pong_wait")
	}
	// 半開的舊連接最多佔住 session 一個 pong_wait，重連寬限必須比它長
	if c.WebSocket.PongWait >= c.Room.ReconnectGrace {
		errs = append(errs, fmt.Sprintf("websocket.pong_wait (%s) must be shorter than room.reconnect_grace (%s)", c.WebSocket.PongWait, c.Room.ReconnectGrace))
	}

	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		errs = append(errs, "nats.url must not be empty when nats is enabled")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be one of [text, json], got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (r RoomConfig) validate() error {
	var errs []string
	if r.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("room.capacity must be >= 1, got %d", r.Capacity))
	}
	if r.MaxCapacity < r.Capacity {
		errs = append(errs, "room.max_capacity must not be less than room.capacity")
	}
	if r.MaxRooms < 0 {
		errs = append(errs, "room.max_rooms must not be negative")
	}
	if r.PingInterval <= 0 {
		errs = append(errs, "room.ping_interval must be positive")
	}
	if r.ReconnectGrace <= 0 {
		errs = append(errs, "room.reconnect_grace must be positive")
	}
	if r.IdleDisposeAfter <= 0 {
		errs = append(errs, "room.idle_dispose_after must be positive")
	}
	if r.RegistryTimeout <= 0 {
		errs = append(errs, "room.registry_timeout must be positive")
	}
	if r.MailboxSize < 1 {
		errs = append(errs, "room.mailbox_size must be >= 1")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
