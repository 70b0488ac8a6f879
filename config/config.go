package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the vector pipeline
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Index     IndexConfig     `mapstructure:"index"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func (s ServerConfig) Validate() error {
	if strings.TrimSpace(s.Address) == "" {
		return fmt.Errorf("server.address required")
	}
	return nil
}

// ProviderConfig selects and configures the embedding backend
type ProviderConfig struct {
	Type          string        `mapstructure:"type"` // openai or local
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Dimensions    int           `mapstructure:"dimensions"`
	CostPer1K     float64       `mapstructure:"cost_per_1k"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	Concurrency   int           `mapstructure:"concurrency"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MaxBatchBytes int           `mapstructure:"max_batch_bytes"`
}

func (p ProviderConfig) Validate() error {
	switch p.Type {
	case "openai":
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("provider.api_key required for openai")
		}
	case "local", "":
	default:
		return fmt.Errorf("provider.type %q not supported", p.Type)
	}
	return nil
}

// BudgetConfig caps external spend
type BudgetConfig struct {
	Cap       float64 `mapstructure:"cap"`
	ResetCron string  `mapstructure:"reset_cron"`
	LedgerDir string  `mapstructure:"ledger_dir"`
}

func (b BudgetConfig) Validate() error {
	if b.Cap < 0 {
		return fmt.Errorf("budget.cap must not be negative")
	}
	return nil
}

// IndexConfig tunes the vector index
type IndexConfig struct {
	Dir              string  `mapstructure:"dir"`
	OverFetch        int     `mapstructure:"over_fetch"`
	CompactThreshold float64 `mapstructure:"compact_threshold"`
	AutoCompact      bool    `mapstructure:"auto_compact"`
}

// RetrievalConfig tunes the read path
type RetrievalConfig struct {
	DefaultK int     `mapstructure:"default_k"`
	MinScore float64 `mapstructure:"min_score"`
	Hybrid   bool    `mapstructure:"hybrid"`
}

// StorageConfig contains the persistence backends
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings
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

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders the connection string lib/pq expects.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	sslmode := p.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		p.User, p.Password, net.JoinHostPort(p.Host, p.Port), p.DBName, sslmode)
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

func (r RedisConfig) Addr() string {
	return net.JoinHostPort(r.Host, r.Port)
}

// TelemetryConfig controls the metrics endpoint
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.Path) == "" {
		return fmt.Errorf("telemetry.path required when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":10001")
	v.SetDefault("provider.type", "openai")
	v.SetDefault("provider.model", "text-embedding-3-small")
	v.SetDefault("provider.dimensions", 1536)
	v.SetDefault("provider.cost_per_1k", 0.00002)
	v.SetDefault("provider.timeout", "30s")
	v.SetDefault("provider.max_batch_size", 64)
	v.SetDefault("provider.max_attempts", 3)
	v.SetDefault("provider.backoff", "300ms")
	v.SetDefault("provider.concurrency", 4)
	v.SetDefault("provider.cache_ttl", "168h")
	v.SetDefault("budget.cap", 10.0)
	v.SetDefault("budget.reset_cron", "0 0 1 * *")
	v.SetDefault("budget.ledger_dir", "./data/budget")
	v.SetDefault("index.dir", "./data/index")
	v.SetDefault("index.over_fetch", 2)
	v.SetDefault("index.compact_threshold", 0.25)
	v.SetDefault("index.auto_compact", true)
	v.SetDefault("retrieval.default_k", 5)
	v.SetDefault("retrieval.min_score", 0.0)
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.path", "/metrics")

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, ".."))
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("VECTORPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Defaults plus environment are a valid configuration on their own.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section that carries invariants.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Provider.Validate(); err != nil {
		return err
	}
	if err := c.Budget.Validate(); err != nil {
		return err
	}
	if c.Storage.Postgres.URL != "" || c.Storage.Postgres.Host != "" {
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	}
	if err := c.Storage.Redis.Validate(); err != nil {
		return err
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}
