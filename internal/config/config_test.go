package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("unexpected addr %q", cfg.Addr())
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("unexpected level %v", cfg.SlogLevel())
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "poolmkt.toml")
	body := `
log_level = "debug"

[server]
port = 9000
shutdown_timeout = "3s"

[engine]
factory_address = "0x000000000000000000000000000000000000beef"

[redis]
url = "redis://file:6379/0"
cache_ttl = "1m"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PORT", "7000")
	t.Setenv("POOLMKT_SERVER_PORT", "7100")
	t.Setenv("DATABASE_URL", "postgres://alias/db")
	t.Setenv("POOLMKT_REDIS_URL", "redis://env:6379/1")
	t.Setenv("POOLMKT_S3_BUCKET", "settlements")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Server.Port != 7100 {
		t.Errorf("prefixed port should win, got %d", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout.Duration != 3*time.Second {
		t.Errorf("unexpected shutdown timeout %s", cfg.Server.ShutdownTimeout)
	}
	if cfg.Postgres.DSN != "postgres://alias/db" {
		t.Errorf("DATABASE_URL alias not applied: %q", cfg.Postgres.DSN)
	}
	if cfg.Redis.URL != "redis://env:6379/1" || cfg.Redis.CacheTTL.Duration != time.Minute {
		t.Errorf("unexpected redis config %+v", cfg.Redis)
	}
	if cfg.S3.Bucket != "settlements" || cfg.S3.Region != "us-east-1" {
		t.Errorf("unexpected s3 config %+v", cfg.S3)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("expected debug level, got %v", cfg.SlogLevel())
	}
	if cfg.Factory() != common.HexToAddress("0xbeef") {
		t.Errorf("unexpected factory %s", cfg.Factory().Hex())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Engine.FactoryAddress = "not-an-address"
	cfg.Engine.VolumeQueueSize = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"log_level", "port", "factory_address", "volume_queue_size"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q should mention %s", err, want)
		}
	}

	cfg = Defaults()
	cfg.Engine.FactoryAddress = "0x0000000000000000000000000000000000000000"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "zero address") {
		t.Errorf("expected zero address error, got %v", err)
	}
}
