// Package config loads devicelink settings. Later sources win: built-in
// defaults, then an optional TOML file, then .env.local, then the process
// environment.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
)

// DefaultEnvFile is read when present; its values never replace variables
// already set in the environment.
const DefaultEnvFile = ".env.local"

// EnvPrefix is prepended to every env tag below.
const EnvPrefix = "DEVICELINK_"

// Config fields carry overwrite so a variable that is set replaces the TOML
// or default value, and one that is unset leaves it alone.
type Config struct {
	ListenAddr   string `toml:"listen_addr" env:"LISTEN_ADDR,overwrite"`
	WSPath       string `toml:"ws_path" env:"WS_PATH,overwrite"`
	DeviceHeader string `toml:"device_header" env:"DEVICE_HEADER,overwrite"`
	TCPAddr      string `toml:"tcp_addr" env:"TCP_ADDR,overwrite"` // Empty disables the TCP transport
	ReusePort    bool   `toml:"reuse_port" env:"REUSE_PORT,overwrite"`

	HeartbeatInterval time.Duration `toml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL,overwrite"`
	QueueSize         int           `toml:"queue_size" env:"QUEUE_SIZE,overwrite"`
	WriteTimeout      time.Duration `toml:"write_timeout" env:"WRITE_TIMEOUT,overwrite"`
	CallTimeout       time.Duration `toml:"call_timeout" env:"CALL_TIMEOUT,overwrite"`
	MaxMessageBytes   int64         `toml:"max_message_bytes" env:"MAX_MESSAGE_BYTES,overwrite"`
	MaxDevices        int           `toml:"max_devices" env:"MAX_DEVICES,overwrite"`

	EventBackend      string `toml:"event_backend" env:"EVENT_BACKEND,overwrite"` // memory or redis
	RedisAddr         string `toml:"redis_addr" env:"REDIS_ADDR,overwrite"`
	RedisPrefix       string `toml:"redis_prefix" env:"REDIS_PREFIX,overwrite"`
	RedisStreamMaxLen int64  `toml:"redis_stream_max_len" env:"REDIS_STREAM_MAX_LEN,overwrite"`

	LogLevel  string `toml:"log_level" env:"LOG_LEVEL,overwrite"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT,overwrite"` // json or text

	MDNS     bool `toml:"mdns" env:"MDNS,overwrite"`
	MCPStdio bool `toml:"mcp_stdio" env:"MCP_STDIO,overwrite"`
}

func Default() Config {
	return Config{
		ListenAddr:        ":8765",
		WSPath:            "/ws",
		DeviceHeader:      "X-Device-ID",
		TCPAddr:           ":8766",
		HeartbeatInterval: 30 * time.Second,
		QueueSize:         200,
		WriteTimeout:      10 * time.Second,
		CallTimeout:       30 * time.Second,
		MaxMessageBytes:   1 << 20,
		EventBackend:      "memory",
		RedisAddr:         "localhost:6379",
		RedisPrefix:       "devicelink:events:",
		RedisStreamMaxLen: 10000,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

type LoadOptions struct {
	File     string             // TOML file; empty skips it
	EnvFile  string             // Defaults to DefaultEnvFile
	Lookuper envconfig.Lookuper // Defaults to the process environment
}

func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		if _, err := toml.DecodeFile(opts.File, &cfg); err != nil {
			return nil, fmt.Errorf("load config %s: %w", opts.File, err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	lookuper := opts.Lookuper
	if lookuper == nil {
		lookuper = envconfig.OsLookuper()
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, lookuper),
	}); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var err error
	if c.ListenAddr == "" {
		err = multierr.Append(err, errors.New("listen_addr is required"))
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		err = multierr.Append(err, fmt.Errorf("ws_path %q must start with /", c.WSPath))
	}
	if c.HeartbeatInterval <= 0 {
		err = multierr.Append(err, errors.New("heartbeat_interval must be positive"))
	}
	if c.QueueSize <= 0 {
		err = multierr.Append(err, errors.New("queue_size must be positive"))
	}
	if c.WriteTimeout <= 0 {
		err = multierr.Append(err, errors.New("write_timeout must be positive"))
	}
	if c.CallTimeout <= 0 {
		err = multierr.Append(err, errors.New("call_timeout must be positive"))
	}
	if c.MaxMessageBytes <= 0 {
		err = multierr.Append(err, errors.New("max_message_bytes must be positive"))
	}
	if c.MaxDevices < 0 {
		err = multierr.Append(err, errors.New("max_devices cannot be negative"))
	}
	switch c.EventBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			err = multierr.Append(err, errors.New("redis_addr is required for the redis event backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("event_backend %q must be memory or redis", c.EventBackend))
	}
	if _, lerr := c.SlogLevel(); lerr != nil {
		err = multierr.Append(err, lerr)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		err = multierr.Append(err, fmt.Errorf("log_format %q must be json or text", c.LogFormat))
	}
	return err
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
