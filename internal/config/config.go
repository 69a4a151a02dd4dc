// Package config defines the service configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by environment variables.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	LogLevel string         `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// EngineConfig holds market engine parameters.
type EngineConfig struct {
	// FactoryAddress is the identity the registry initializes markets with.
	FactoryAddress  string `toml:"factory_address"`
	VolumeQueueSize int    `toml:"volume_queue_size"`
}

// PostgresConfig holds the database connection. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the cache and event stream connection. An empty URL
// disables both.
type RedisConfig struct {
	URL         string   `toml:"url"`
	CacheTTL    duration `toml:"cache_ttl"`
	EventStream string   `toml:"event_stream"`
}

// S3Config holds settlement archive parameters. An empty bucket disables
// archiving.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// duration wraps time.Duration so TOML can decode strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{15 * time.Second},
		},
		Engine: EngineConfig{
			FactoryAddress:  "0x00000000000000000000000000000000000fac70",
			VolumeQueueSize: 1024,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:    duration{5 * time.Minute},
			EventStream: "markets:events",
		},
		S3: S3Config{
			Region: "us-east-1",
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be positive")
	}
	if !common.IsHexAddress(c.Engine.FactoryAddress) {
		errs = append(errs, fmt.Sprintf("engine: factory_address %q is not a hex address", c.Engine.FactoryAddress))
	} else if common.HexToAddress(c.Engine.FactoryAddress) == (common.Address{}) {
		errs = append(errs, "engine: factory_address must not be the zero address")
	}
	if c.Engine.VolumeQueueSize < 1 {
		errs = append(errs, "engine: volume_queue_size must be >= 1")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns < 1 {
		errs = append(errs, "postgres: max_conns must be >= 1")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Factory returns the parsed factory address.
func (c *Config) Factory() common.Address {
	return common.HexToAddress(c.Engine.FactoryAddress)
}

// SlogLevel maps LogLevel to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
