// Package config defines the runtime settings of the collaboration broker and
// loads them from defaults, an optional YAML file, a .env file and
// COLLAB_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "COLLAB"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// RateLimit bounds how many inbound messages one connection may send.
type RateLimit struct {
	Burst          int           `mapstructure:"burst"`
	RefillInterval time.Duration `mapstructure:"refill_interval"`
}

// Config holds the server settings.
type Config struct {
	HTTPAddr         string        `mapstructure:"http_addr"`
	TCPAddr          string        `mapstructure:"tcp_addr"`
	AllowedOrigins   []string      `mapstructure:"allowed_origins"`
	MaxMessageSize   int64         `mapstructure:"max_message_size"`
	MaxFramePayload  int           `mapstructure:"max_frame_payload"`
	EditInterval     time.Duration `mapstructure:"edit_interval"`
	ChatHistoryLimit int           `mapstructure:"chat_history_limit"`
	ChatRoomIdleTTL  time.Duration `mapstructure:"chat_room_idle_ttl"`
	WorkerPoolSize   int           `mapstructure:"worker_pool_size"`
	SendBufferSize   int           `mapstructure:"send_buffer_size"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	RateLimit        RateLimit     `mapstructure:"rate_limit"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel         string        `mapstructure:"log_level"`
	LogDevelopment   bool          `mapstructure:"log_development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		TCPAddr:  ":8090",
		AllowedOrigins: []string{
			"http://localhost:8080",
			"http://localhost:3000",
		},
		MaxMessageSize:   64 * 1024,
		MaxFramePayload:  1 << 20,
		EditInterval:     50 * time.Millisecond,
		ChatHistoryLimit: 200,
		ChatRoomIdleTTL:  24 * time.Hour,
		WorkerPoolSize:   10,
		SendBufferSize:   256,
		WriteTimeout:     10 * time.Second,
		RateLimit: RateLimit{
			Burst:          20,
			RefillInterval: time.Second,
		},
		ShutdownTimeout: 10 * time.Second,
		LogLevel:        "info",
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("http_addr", d.HTTPAddr)
	v.SetDefault("tcp_addr", d.TCPAddr)
	v.SetDefault("allowed_origins", d.AllowedOrigins)
	v.SetDefault("max_message_size", d.MaxMessageSize)
	v.SetDefault("max_frame_payload", d.MaxFramePayload)
	v.SetDefault("edit_interval", d.EditInterval)
	v.SetDefault("chat_history_limit", d.ChatHistoryLimit)
	v.SetDefault("chat_room_idle_ttl", d.ChatRoomIdleTTL)
	v.SetDefault("worker_pool_size", d.WorkerPoolSize)
	v.SetDefault("send_buffer_size", d.SendBufferSize)
	v.SetDefault("write_timeout", d.WriteTimeout)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_development", d.LogDevelopment)
}

// Load builds the configuration. path names an optional YAML file; an empty
// path skips it. A .env file in the working directory is loaded first when
// present, then COLLAB_* variables override file and default values
// (COLLAB_RATE_LIMIT_BURST maps to rate_limit.burst).
func Load(path string) (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return Config{}, fmt.Errorf("loading .env: %w", err)
		}
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg.Validate()
}

// Validate replaces non-positive limits with their defaults and rejects
// settings that cannot be repaired.
func (c Config) Validate() (Config, error) {
	d := Default()

	if strings.TrimSpace(c.HTTPAddr) == "" {
		return Config{}, fmt.Errorf("%w: http_addr is empty", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TCPAddr) == "" {
		return Config{}, fmt.Errorf("%w: tcp_addr is empty", ErrInvalidConfig)
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return Config{}, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, c.LogLevel)
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.MaxFramePayload <= 0 {
		c.MaxFramePayload = d.MaxFramePayload
	}
	if c.EditInterval < 0 {
		c.EditInterval = d.EditInterval
	}
	if c.ChatHistoryLimit <= 0 {
		c.ChatHistoryLimit = d.ChatHistoryLimit
	}
	if c.ChatRoomIdleTTL <= 0 {
		c.ChatRoomIdleTTL = d.ChatRoomIdleTTL
	}
	if c.WorkerPoolSize <= 0 {
		c.WorkerPoolSize = d.WorkerPoolSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = d.SendBufferSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, origin := range c.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	c.AllowedOrigins = origins

	return c, nil
}
