package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

const minimalConfig = `
server:
  jwt_secret: test-secret
databases:
  postgres:
    host: localhost
    dbname: reconly
providers:
  chain: [openai]
  registry:
    openai:
      type: openai
      model: gpt-4o-mini
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Feeds.MaxItemsPerSource != 20 || cfg.Feeds.MaxItemsAllSources != 50 {
		t.Fatalf("feed caps = %d/%d", cfg.Feeds.MaxItemsPerSource, cfg.Feeds.MaxItemsAllSources)
	}
	if cfg.CircuitBreaker.FailureThreshold != 3 || cfg.CircuitBreaker.CooldownWindow != 30*time.Minute {
		t.Fatalf("breaker defaults = %+v", cfg.CircuitBreaker)
	}
	if cfg.Chat.MaxToolIterations != 5 {
		t.Fatalf("chat defaults = %+v", cfg.Chat)
	}
	if cfg.General.DefaultLanguage != "en" {
		t.Fatalf("language = %q", cfg.General.DefaultLanguage)
	}
}

func TestLoadConfigDSN(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	want := "postgres://:@localhost:5432/reconly?sslmode=disable"
	if got := cfg.Databases.Postgres.DSN(); got != want {
		t.Fatalf("DSN = %q, want %q", got, want)
	}
	cfg.Databases.Postgres.URL = "postgres://explicit"
	if cfg.Databases.Postgres.DSN() != "postgres://explicit" {
		t.Fatal("explicit URL must win")
	}
}

func TestLoadConfigRejectsMissingJWTSecret(t *testing.T) {
	body := `
databases:
  postgres:
    host: localhost
    dbname: reconly
providers:
  chain: [openai]
  registry:
    openai:
      type: openai
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatal("want error for missing jwt secret")
	}
}

func TestLoadConfigRejectsDanglingChainEntry(t *testing.T) {
	body := `
server:
  jwt_secret: s
databases:
  postgres:
    host: localhost
    dbname: reconly
providers:
  chain: [openai, missing]
  registry:
    openai:
      type: openai
`
	if _, err := LoadConfig(writeConfig(t, body)); err == nil {
		t.Fatal("want error for chain entry without registry config")
	}
}

func TestRedisAddrDefaultsPort(t *testing.T) {
	r := RedisConfig{Host: "cache"}
	if r.Addr() != "cache:6379" {
		t.Fatalf("Addr = %q", r.Addr())
	}
}
