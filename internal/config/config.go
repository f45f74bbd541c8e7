package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Store      StoreConfig      `yaml:"store"`
	Lock       LockConfig       `yaml:"lock"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Sync       SyncConfig       `yaml:"sync"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Notion     NotionConfig     `yaml:"notion"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RateLimitRPS   float64       `yaml:"rate_limit_rps"`
	RateLimitBurst int           `yaml:"rate_limit_burst"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// StoreConfig selects and tunes the ledger store.
type StoreConfig struct {
	Driver    string        `yaml:"driver"` // memory, postgres or bigquery
	DSN       string        `yaml:"dsn"`
	ProjectID string        `yaml:"project_id"`
	Dataset   string        `yaml:"dataset"`
	OpTimeout time.Duration `yaml:"op_timeout"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// LockConfig selects the cross-process mutex. "local" is enough for a
// single instance.
type LockConfig struct {
	Driver    string        `yaml:"driver"` // local or redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	Wait      time.Duration `yaml:"wait"`
}

type ClassifierConfig struct {
	RulesPath string `yaml:"rules_path"` // empty uses the embedded defaults
}

type SyncConfig struct {
	Workers          int           `yaml:"workers"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	MaskDescriptions bool          `yaml:"mask_descriptions"`
}

type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
}

type NotionConfig struct {
	Token            string `yaml:"token"`
	TransactionsDBID string `yaml:"transactions_db_id"`
	AccountsDBID     string `yaml:"accounts_db_id"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           "8080",
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			RateLimitRPS:   10,
			RateLimitBurst: 20,
			MaxBodyBytes:   10 << 20,
		},
		Store: StoreConfig{
			Driver:    "memory",
			Dataset:   "finance",
			OpTimeout: 5 * time.Second,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				OpenTimeout:      30 * time.Second,
			},
		},
		Lock: LockConfig{
			Driver: "local",
			TTL:    30 * time.Second,
			Wait:   20 * time.Second,
		},
		Sync: SyncConfig{
			Workers:      8,
			MaxRetries:   2,
			RetryBackoff: 250 * time.Millisecond,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides and validates the result. An empty path skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}

	set(&c.Server.Port, "PORT")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Store.DSN, "DATABASE_URL")
	set(&c.Store.ProjectID, "GCP_PROJECT")
	set(&c.Store.Dataset, "BQ_DATASET")
	set(&c.Lock.RedisAddr, "REDIS_ADDR")
	set(&c.Archive.Bucket, "GCS_BUCKET")
	set(&c.Notion.Token, "NOTION_TOKEN")
	set(&c.Notion.TransactionsDBID, "NOTION_TRANSACTIONS_DB")
	set(&c.Notion.AccountsDBID, "NOTION_ACCOUNTS_DB")
	set(&c.Classifier.RulesPath, "CLASSIFIER_RULES")

	if v := getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := getenv("SYNC_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid SYNC_MAX_RETRIES %q: %w", v, err)
		}
		c.Sync.MaxRetries = n
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	case "bigquery":
		if c.Store.ProjectID == "" {
			return fmt.Errorf("store.project_id is required for the bigquery driver")
		}
		if c.Store.Dataset == "" {
			return fmt.Errorf("store.dataset is required for the bigquery driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}

	if c.Store.OpTimeout <= 0 {
		return fmt.Errorf("store.op_timeout must be positive")
	}
	if c.Store.Breaker.FailureThreshold == 0 {
		return fmt.Errorf("store.breaker.failure_threshold must be positive")
	}

	switch c.Lock.Driver {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for the redis driver")
		}
		if c.Lock.TTL <= 0 {
			return fmt.Errorf("lock.ttl must be positive")
		}
	default:
		return fmt.Errorf("unknown lock.driver %q", c.Lock.Driver)
	}
	if c.Lock.Wait <= 0 {
		return fmt.Errorf("lock.wait must be positive")
	}

	if c.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative")
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	return nil
}
