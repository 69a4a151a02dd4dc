package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges an optional TOML file at path on top of the defaults, then
// applies environment overrides. The returned Config has NOT been
// validated; the caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads the platform variables (PORT, DATABASE_URL,
// REDIS_URL) and then the POOLMKT_* variables, so the prefixed form wins
// when both are set.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL")

	// ── Server ──
	setInt(&cfg.Server.Port, "POOLMKT_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "POOLMKT_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "POOLMKT_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "POOLMKT_SERVER_SHUTDOWN_TIMEOUT")

	// ── Engine ──
	setStr(&cfg.Engine.FactoryAddress, "POOLMKT_ENGINE_FACTORY_ADDRESS")
	setInt(&cfg.Engine.VolumeQueueSize, "POOLMKT_ENGINE_VOLUME_QUEUE_SIZE")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "POOLMKT_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "POOLMKT_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POOLMKT_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "POOLMKT_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "POOLMKT_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.EventStream, "POOLMKT_REDIS_EVENT_STREAM")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "POOLMKT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "POOLMKT_S3_REGION")
	setStr(&cfg.S3.Bucket, "POOLMKT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "POOLMKT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "POOLMKT_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "POOLMKT_S3_FORCE_PATH_STYLE")

	setStr(&cfg.LogLevel, "POOLMKT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
