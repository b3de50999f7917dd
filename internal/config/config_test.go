// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./relay.db"

booking:
  path: "./booking.db"
  seed: true

bot:
  endpoint: "http://bot.internal/decide"
  timeout: "15s"
  max_retries: 5

bus:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    password: "hunter2"
    db: 2

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./relay.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./relay.db")
	}
	if cfg.Booking.Path != "./booking.db" {
		t.Errorf("Booking.Path = %q, want %q", cfg.Booking.Path, "./booking.db")
	}
	if !cfg.Booking.Seed {
		t.Error("Booking.Seed = false, want true")
	}

	if cfg.Bot.Endpoint != "http://bot.internal/decide" {
		t.Errorf("Bot.Endpoint = %q, want %q", cfg.Bot.Endpoint, "http://bot.internal/decide")
	}
	if cfg.Bot.Timeout != 15*time.Second {
		t.Errorf("Bot.Timeout = %v, want %v", cfg.Bot.Timeout, 15*time.Second)
	}
	if cfg.Bot.MaxRetries != 5 {
		t.Errorf("Bot.MaxRetries = %d, want 5", cfg.Bot.MaxRetries)
	}

	if cfg.Bus.Backend != "redis" {
		t.Errorf("Bus.Backend = %q, want %q", cfg.Bus.Backend, "redis")
	}
	if cfg.Bus.Redis.Addr != "localhost:6379" {
		t.Errorf("Bus.Redis.Addr = %q, want %q", cfg.Bus.Redis.Addr, "localhost:6379")
	}
	if cfg.Bus.Redis.DB != 2 {
		t.Errorf("Bus.Redis.DB = %d, want 2", cfg.Bus.Redis.DB)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus.Backend != "memory" {
		t.Errorf("Bus.Backend = %q, want %q", cfg.Bus.Backend, "memory")
	}
	if cfg.Bus.AMQP.Exchange != "handoff.events" {
		t.Errorf("Bus.AMQP.Exchange = %q, want %q", cfg.Bus.AMQP.Exchange, "handoff.events")
	}
	if cfg.Bot.Timeout != 10*time.Second {
		t.Errorf("Bot.Timeout = %v, want %v", cfg.Bot.Timeout, 10*time.Second)
	}
	if cfg.Bot.MaxRetries != 3 {
		t.Errorf("Bot.MaxRetries = %d, want 3", cfg.Bot.MaxRetries)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("HANDOFF_TEST_REDIS_PASS", "secret-from-env")

	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bus:
  backend: "redis"
  redis:
    addr: "localhost:6379"
    password: "${HANDOFF_TEST_REDIS_PASS}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bus.Redis.Password != "secret-from-env" {
		t.Errorf("Bus.Redis.Password = %q, want %q", cfg.Bus.Redis.Password, "secret-from-env")
	}
}

func TestLoad_UnsetEnvVarExpandsEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bot:
  endpoint: "${HANDOFF_TEST_UNSET_ENDPOINT}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Bot.Endpoint != "" {
		t.Errorf("Bot.Endpoint = %q, want empty", cfg.Bot.Endpoint)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bot:
  timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want duration parse error")
	}
	if !strings.Contains(err.Error(), "bot.timeout") {
		t.Errorf("error %q does not mention bot.timeout", err.Error())
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Load() error = nil, want read error")
	}
}

func TestValidate_MissingHTTPAddr(t *testing.T) {
	configPath := writeConfig(t, `
database:
  path: "./relay.db"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "server.http_addr") {
		t.Errorf("Load() error = %v, want server.http_addr validation error", err)
	}
}

func TestValidate_TailscaleWithoutHostname(t *testing.T) {
	configPath := writeConfig(t, `
tailscale:
  enabled: true
database:
  path: "./relay.db"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "tailscale.hostname") {
		t.Errorf("Load() error = %v, want tailscale.hostname validation error", err)
	}
}

func TestValidate_TailscaleAllowsMissingAddr(t *testing.T) {
	configPath := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "handoff-gateway"
database:
  path: "./relay.db"
`)

	if _, err := Load(configPath); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
}

func TestValidate_MissingDatabasePath(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "database.path") {
		t.Errorf("Load() error = %v, want database.path validation error", err)
	}
}

func TestValidate_UnknownBusBackend(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bus:
  backend: "kafka"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "bus.backend") {
		t.Errorf("Load() error = %v, want bus.backend validation error", err)
	}
}

func TestValidate_RedisBackendRequiresAddr(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bus:
  backend: "redis"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "bus.redis.addr") {
		t.Errorf("Load() error = %v, want bus.redis.addr validation error", err)
	}
}

func TestValidate_AMQPBackendRequiresURL(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"
database:
  path: "./relay.db"
bus:
  backend: "amqp"
`)

	_, err := Load(configPath)
	if err == nil || !strings.Contains(err.Error(), "bus.amqp.url") {
		t.Errorf("Load() error = %v, want bus.amqp.url validation error", err)
	}
}
