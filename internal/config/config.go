package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "configs/app.yaml"

type Config struct {
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Provider  ProviderConfig  `yaml:"provider"`
	Store     StoreConfig     `yaml:"store"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Server    ServerConfig    `yaml:"server"`
	Push      PushConfig      `yaml:"push"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SchedulerConfig struct {
	IntervalSec     int `yaml:"interval_sec"`
	CycleTimeoutSec int `yaml:"cycle_timeout_sec"`
}

type ProviderConfig struct {
	BaseURL   string `yaml:"base_url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type StoreConfig struct {
	Backend       string              `yaml:"backend"`
	Index         string              `yaml:"index"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Sqlite        SqliteConfig        `yaml:"sqlite"`
	Postgres      PostgresConfig      `yaml:"postgres"`
}

type ElasticsearchConfig struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	Refresh   string   `yaml:"refresh"`

	// CACertFile is a PEM bundle for clusters with self-signed certificates.
	CACertFile string `yaml:"ca_cert_file"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type AnalysisConfig struct {
	Symbol    string `yaml:"symbol"`
	WindowSec int    `yaml:"window_sec"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook        string `yaml:"webhook"`
	Secret         string `yaml:"secret"`
	TimeoutMs      int    `yaml:"timeout_ms"`
	OnlyFailures   bool   `yaml:"only_failures"`
	MinIntervalSec int    `yaml:"min_interval_sec"`
}

type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
	User           string `yaml:"user"`
	Password       string `yaml:"password"`
}

func (c SchedulerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

func (c SchedulerConfig) CycleTimeout() time.Duration {
	return time.Duration(c.CycleTimeoutSec) * time.Second
}

func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c AnalysisConfig) Window() time.Duration {
	return time.Duration(c.WindowSec) * time.Second
}

func defaults() Config {
	return Config{
		Log:       LogConfig{Level: "info", Format: "text"},
		Scheduler: SchedulerConfig{IntervalSec: 60, CycleTimeoutSec: 50},
		Provider: ProviderConfig{
			BaseURL:   "https://pro-api.coinmarketcap.com/v1/cryptocurrency/listings/latest",
			TimeoutMs: 10000,
		},
		Store: StoreConfig{
			Backend: "elasticsearch",
			Index:   "crypto_data",
			Elasticsearch: ElasticsearchConfig{
				Addresses: []string{"http://localhost:9200"},
				Refresh:   "wait_for",
			},
			Sqlite: SqliteConfig{Path: "data/collector.db"},
		},
		Analysis: AnalysisConfig{Symbol: "BTC", WindowSec: 3600},
		Server:   ServerConfig{Enabled: false, Port: 8080},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		Metrics: MetricsConfig{Job: "crypto_data_collector"},
	}
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// A missing file is not an error; variables already set are kept.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Load decodes path over the defaults and applies environment overrides.
// A missing file at DefaultPath leaves the defaults in place.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist) && path == DefaultPath:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("DATA_GATHER_INTERVAL_IN_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DATA_GATHER_INTERVAL_IN_SECONDS: %q", v)
		}
		cfg.Scheduler.IntervalSec = n
	}
	if v := os.Getenv("ELASTICSEARCH_HOST"); v != "" {
		var addrs []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.TrimSpace(a); a != "" {
				addrs = append(addrs, a)
			}
		}
		cfg.Store.Elasticsearch.Addresses = addrs
	}
	if v := os.Getenv("API_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Store.Sqlite.Path = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.Store.Postgres.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	if v := os.Getenv("PUSHGATEWAY_URL"); v != "" {
		cfg.Metrics.PushgatewayURL = v
	}
	if v := os.Getenv("PUSHGATEWAY_USER"); v != "" {
		cfg.Metrics.User = v
	}
	if v := os.Getenv("PUSHGATEWAY_PASSWORD"); v != "" {
		cfg.Metrics.Password = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Scheduler.IntervalSec <= 0 {
		return fmt.Errorf("scheduler.interval_sec must be positive, got %d", c.Scheduler.IntervalSec)
	}
	if c.Scheduler.CycleTimeoutSec < 0 {
		return fmt.Errorf("scheduler.cycle_timeout_sec must not be negative, got %d", c.Scheduler.CycleTimeoutSec)
	}
	if c.Provider.APIKey == "" {
		return errors.New("provider api key is required (set API_KEY)")
	}
	if c.Provider.BaseURL == "" {
		return errors.New("provider.base_url is empty")
	}
	if c.Store.Index == "" {
		return errors.New("store.index is empty")
	}
	switch c.Store.Backend {
	case "elasticsearch":
		if len(c.Store.Elasticsearch.Addresses) == 0 {
			return errors.New("store.elasticsearch.addresses is empty")
		}
	case "sqlite":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is empty (set POSTGRES_DSN)")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}
	if c.Analysis.Symbol == "" {
		return errors.New("analysis.symbol is empty")
	}
	if c.Analysis.WindowSec <= 0 {
		return fmt.Errorf("analysis.window_sec must be positive, got %d", c.Analysis.WindowSec)
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}
