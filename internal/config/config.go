// Package config loads service configuration from a YAML file, an optional
// .env file and STAY_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Sync       SyncConfig       `yaml:"sync"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Addr      string `yaml:"addr" validate:"required"`
	StaticDir string `yaml:"static_dir"`
}

// DatabaseConfig contains SQLite settings
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// SyncConfig contains calendar and email sync settings
type SyncConfig struct {
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" validate:"min=1,max=600"`
	MaxParallelFeeds    int `yaml:"max_parallel_feeds" validate:"min=1,max=64"`
	DebounceSeconds     int `yaml:"debounce_seconds" validate:"min=0"`
	LockTTLSeconds      int `yaml:"lock_ttl_seconds" validate:"min=1"`
	DefaultIntervalMin  int `yaml:"default_interval_min" validate:"min=1"`
	EmailIntervalMin    int `yaml:"email_interval_min" validate:"min=1"`
}

// EnrichmentConfig contains matcher settings
type EnrichmentConfig struct {
	DaySlack int `yaml:"day_slack" validate:"min=0,max=7"`
}

// RedisConfig enables the shared lock backend when Addr is set
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"min=0"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:      ":8099",
			StaticDir: "./static",
		},
		Database: DatabaseConfig{
			Path: "/data/stay-ledger.db",
		},
		Sync: SyncConfig{
			FetchTimeoutSeconds: 30,
			MaxParallelFeeds:    4,
			DebounceSeconds:     60,
			LockTTLSeconds:      600,
			DefaultIntervalMin:  15,
			EmailIntervalMin:    10,
		},
		Enrichment: EnrichmentConfig{
			DaySlack: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads .env (if present), then the YAML file at path (a missing file
// means defaults), then applies STAY_* environment overrides and validates
// the result.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	config := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"STAY_SERVER_ADDR":    &c.Server.Addr,
		"STAY_STATIC_DIR":     &c.Server.StaticDir,
		"STAY_DATABASE_PATH":  &c.Database.Path,
		"STAY_REDIS_ADDR":     &c.Redis.Addr,
		"STAY_REDIS_PASSWORD": &c.Redis.Password,
		"STAY_LOG_LEVEL":      &c.Logging.Level,
		"STAY_LOG_FORMAT":     &c.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STAY_FETCH_TIMEOUT_SECONDS": &c.Sync.FetchTimeoutSeconds,
		"STAY_MAX_PARALLEL_FEEDS":    &c.Sync.MaxParallelFeeds,
		"STAY_DEBOUNCE_SECONDS":      &c.Sync.DebounceSeconds,
		"STAY_LOCK_TTL_SECONDS":      &c.Sync.LockTTLSeconds,
		"STAY_DEFAULT_INTERVAL_MIN":  &c.Sync.DefaultIntervalMin,
		"STAY_EMAIL_INTERVAL_MIN":    &c.Sync.EmailIntervalMin,
		"STAY_DAY_SLACK":             &c.Enrichment.DaySlack,
		"STAY_REDIS_DB":              &c.Redis.DB,
	}
	for key, dst := range ints {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}

	return nil
}

// FetchTimeout returns the per-feed download timeout as a duration
func (c *SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSeconds) * time.Second
}

// Debounce returns the soft-lock window as a duration
func (c *SyncConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceSeconds) * time.Second
}

// LockTTL returns the exclusive lock lifetime as a duration
func (c *SyncConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}
