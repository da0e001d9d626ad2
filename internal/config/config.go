// Package config resolves the QC pipeline's runtime configuration from
// environment variables (§6 "Environment variables") plus an optional
// YAML file supplying connection settings and the fallback QC config
// for local development. Environment variables always win over values
// loaded from the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/surveyqc/qcpipeline/pkg/domain"
)

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// ConnectionString renders config as a libpq keyword/value string.
func (d DatabaseConfig) ConnectionString() string {
	s := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Database, d.SSLMode)
	if d.Password != "" {
		s += " password=" + d.Password
	}
	return s
}

// Validate checks DatabaseConfig invariants.
func (d DatabaseConfig) Validate() error {
	if d.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("database port must be between 1 and 65535")
	}
	if d.User == "" {
		return fmt.Errorf("database user is required")
	}
	if d.Database == "" {
		return fmt.Errorf("database name is required")
	}
	if d.MaxOpenConns <= 0 {
		return fmt.Errorf("max open connections must be greater than 0")
	}
	if d.MaxIdleConns < 0 {
		return fmt.Errorf("max idle connections must be non-negative")
	}
	return nil
}

// RedisConfig holds the lease store's Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is the process-wide configuration, composed of the pieces
// named in §6 plus the connection settings needed to reach Postgres and
// Redis.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	BatchCapacity           int           `yaml:"batchCapacity"`
	LeaseDuration           time.Duration `yaml:"leaseDuration"`
	ViewRefreshInterval     time.Duration `yaml:"viewRefreshInterval"`
	LeaseGCInterval         time.Duration `yaml:"leaseGCInterval"`
	DailySealCheckInterval  time.Duration `yaml:"dailySealCheckInterval"`
	DailySealTZ             string        `yaml:"dailySealTZ"`
	MaxDispatchRetries      int           `yaml:"maxDispatchRetries"`

	FallbackConfig domain.QCConfig `yaml:"fallbackConfig"`

	HTTPAddr string `yaml:"httpAddr"`
}

// DefaultConfig returns the zero-config defaults named throughout §3,
// §4, and §6.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "qc_user",
			Database:        "qc_pipeline",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		BatchCapacity:          domain.BatchCapacity,
		LeaseDuration:          30 * time.Minute,
		ViewRefreshInterval:    10 * time.Second,
		LeaseGCInterval:        60 * time.Second,
		DailySealCheckInterval: time.Hour,
		DailySealTZ:            "",
		MaxDispatchRetries:     5,
		FallbackConfig:         domain.FallbackConfig(),
		HTTPAddr:               ":8080",
	}
}

// Load reads a YAML file into a fresh DefaultConfig, then applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg.withEnv(), nil
			}
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	return cfg.withEnv(), nil
}

func (c *Config) withEnv() *Config {
	c.LoadFromEnv()
	return c
}

// LoadFromEnv overrides Config fields from the environment variables
// named in §6. Invalid values are ignored, keeping the previous value
// (file-provided or default).
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Database.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Database.Port = p
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.Database.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.Database.SSLMode = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("BATCH_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.BatchCapacity = n
		}
	}
	if v := os.Getenv("LEASE_DURATION_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LeaseDuration = time.Duration(n) * time.Minute
		}
	}
	if v := os.Getenv("VIEW_REFRESH_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ViewRefreshInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("LEASE_GC_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.LeaseGCInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DAILY_SEAL_CHECK_INTERVAL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.DailySealCheckInterval = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("DAILY_SEAL_TZ"); v != "" {
		c.DailySealTZ = v
	}
	if v := os.Getenv("FALLBACK_SAMPLE_PERCENTAGE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f <= 100 {
			c.FallbackConfig.SamplePercentage = f
		}
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTPAddr = v
	}
}

// Validate checks every invariant a Config must satisfy before the
// server starts.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required")
	}
	if c.BatchCapacity <= 0 {
		return fmt.Errorf("batch capacity must be greater than 0")
	}
	if c.LeaseDuration <= 0 {
		return fmt.Errorf("lease duration must be greater than 0")
	}
	if c.ViewRefreshInterval <= 0 {
		return fmt.Errorf("view refresh interval must be greater than 0")
	}
	if c.LeaseGCInterval <= 0 {
		return fmt.Errorf("lease GC interval must be greater than 0")
	}
	if c.DailySealCheckInterval <= 0 {
		return fmt.Errorf("daily seal check interval must be greater than 0")
	}
	return nil
}

// Location resolves DailySealTZ to a *time.Location, defaulting to the
// system location when unset (§6).
func (c *Config) Location() (*time.Location, error) {
	if c.DailySealTZ == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.DailySealTZ)
}
