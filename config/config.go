package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the feed engine.
type Config struct {
	General        GeneralConfig        `mapstructure:"general"`
	Server         ServerConfig         `mapstructure:"server"`
	Databases      DatabasesConfig      `mapstructure:"databases"`
	Providers      ProvidersConfig      `mapstructure:"providers"`
	Feeds          FeedsConfig          `mapstructure:"feeds"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Webhook        WebhookConfig        `mapstructure:"webhook"`
	Delivery       DeliveryConfig       `mapstructure:"delivery"`
	Chat           ChatConfig           `mapstructure:"chat"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug           bool          `mapstructure:"debug"`
	LogLevel        string        `mapstructure:"log_level"`
	DefaultLanguage string        `mapstructure:"default_language"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.JWTSecret) == "" {
		return fmt.Errorf("server.jwt_secret is required")
	}
	return nil
}

// DatabasesConfig groups backing stores.
type DatabasesConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DSN builds a postgres:// connection string, preferring an explicit URL.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("databases.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("databases.postgres.dbname required when url is not provided")
	}
	return nil
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// ProvidersConfig describes the LLM provider chain. Chain order is
// fallback order: position 0 is the preferred provider.
type ProvidersConfig struct {
	Chain    []string                  `mapstructure:"chain"`
	Registry map[string]ProviderConfig `mapstructure:"registry"`
}

// ProviderConfig is a single LLM provider entry.
type ProviderConfig struct {
	Type            string        `mapstructure:"type"` // openai, anthropic, ollama
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	Model           string        `mapstructure:"model"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Temperature     float64       `mapstructure:"temperature"`
	CostPer1KInput  float64       `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64       `mapstructure:"cost_per_1k_output"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
}

func (p ProvidersConfig) Validate() error {
	if len(p.Chain) == 0 {
		return fmt.Errorf("providers.chain must name at least one provider")
	}
	for _, name := range p.Chain {
		if _, ok := p.Registry[name]; !ok {
			return fmt.Errorf("providers.chain references unknown provider %q", name)
		}
	}
	return nil
}

// FeedsConfig contains feed-run orchestration settings.
type FeedsConfig struct {
	DelayBetweenSources time.Duration `mapstructure:"delay_between_sources"`
	MaxItemsPerSource   int           `mapstructure:"max_items_per_source"`
	MaxItemsAllSources  int           `mapstructure:"max_items_all_sources"`
	SnapshotMaxChars    int           `mapstructure:"snapshot_max_chars"`
	SaveSnapshots       bool          `mapstructure:"save_snapshots"`
}

// CircuitBreakerConfig controls per-source health gating.
type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	CooldownWindow   time.Duration `mapstructure:"cooldown_window"`
}

// WebhookConfig controls signed run-completion deliveries.
type WebhookConfig struct {
	Secret  string        `mapstructure:"secret"` // global fallback; feeds may override
	Timeout time.Duration `mapstructure:"timeout"`
}

// DeliveryConfig configures outgoing sinks beyond webhooks.
type DeliveryConfig struct {
	ExportDir string     `mapstructure:"export_dir"`
	SMTP      SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig enables email delivery when Host is set; otherwise mail
// is logged instead of sent.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// ChatConfig bounds the chat tool-calling loop.
type ChatConfig struct {
	MaxToolIterations int `mapstructure:"max_tool_iterations"`
	HistoryTokenLimit int `mapstructure:"history_token_limit"`
	KeepRecentTurns   int `mapstructure:"keep_recent_turns"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// LoadConfig loads config from file plus RECONLY_* env overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.default_language", "en")
	v.SetDefault("general.default_timeout", 30*time.Second)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("feeds.delay_between_sources", 2*time.Second)
	v.SetDefault("feeds.max_items_per_source", 20)
	v.SetDefault("feeds.max_items_all_sources", 50)
	v.SetDefault("feeds.snapshot_max_chars", 5000)
	v.SetDefault("feeds.save_snapshots", true)
	v.SetDefault("circuit_breaker.failure_threshold", 3)
	v.SetDefault("circuit_breaker.cooldown_window", 30*time.Minute)
	v.SetDefault("webhook.timeout", 10*time.Second)
	v.SetDefault("delivery.export_dir", "exports")
	v.SetDefault("delivery.smtp.port", 587)
	v.SetDefault("chat.max_tool_iterations", 5)
	v.SetDefault("chat.history_token_limit", 6000)
	v.SetDefault("chat.keep_recent_turns", 6)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.cost_tracking", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("RECONLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// env-only configuration is acceptable
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Server.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Databases.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Providers.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
