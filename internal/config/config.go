// Package config loads the service configuration from YAML with environment
// overrides for deployment-specific values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkerConfig    `yaml:"workers"`
	Browser   BrowserConfig   `yaml:"browser"`
	Vault     VaultConfig     `yaml:"vault"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Artifacts ArtifactsConfig `yaml:"artifacts"`
	API       APIConfig       `yaml:"api"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type QueueConfig struct {
	ConsumerGroup   string `yaml:"consumer_group"`
	BlockMillis     int    `yaml:"block_millis"`
	PromoteInterval int    `yaml:"promote_interval_seconds"`
}

type WorkerConfig struct {
	Count          int `yaml:"count"`
	MaxAttempts    int `yaml:"max_attempts"`
	RetryBaseMs    int `yaml:"retry_base_ms"`
	RetryFactor    int `yaml:"retry_factor"`
	DefaultTimeout int `yaml:"default_timeout_seconds"`
}

type BrowserConfig struct {
	MaxInstances        int `yaml:"max_instances"`
	MinInstances        int `yaml:"min_instances"`
	MaxPagesPerInstance int `yaml:"max_pages_per_instance"`
	IdleTTLSeconds      int `yaml:"idle_ttl_seconds"`
}

type VaultConfig struct {
	EncryptionKey     string `yaml:"encryption_key"`
	AllowPlaceholders bool   `yaml:"allow_placeholders"`
	CacheTTLSeconds   int    `yaml:"cache_ttl_seconds"`
}

type CircuitConfig struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	CooldownSequence []string `yaml:"cooldown_sequence"` // Go durations, e.g. "1h"
}

type RateLimitConfig struct {
	APIRequestsPerMinute int `yaml:"api_requests_per_minute"`
	APIBurst             int `yaml:"api_burst"`
}

type ArtifactsConfig struct {
	Root string `yaml:"root"`
}

type APIConfig struct {
	AuthEnabled   bool     `yaml:"auth_enabled"`
	APIKeys       []string `yaml:"api_keys"`
	WebhookSecret string   `yaml:"webhook_secret"`
}

// LoadConfig reads the YAML file at path, applies environment overrides, and
// fills defaults for unset values. A missing file is not an error; the
// defaults plus environment are enough to run locally.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			decoder := yaml.NewDecoder(f)
			if err := decoder.Decode(&cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("VAULT_ENCRYPTION_KEY"); v != "" {
		c.Vault.EncryptionKey = v
	}
	if v := os.Getenv("ARTIFACTS_ROOT"); v != "" {
		c.Artifacts.Root = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Workers.Count = n
		}
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.API.AuthEnabled = true
		c.API.APIKeys = append(c.API.APIKeys, v)
	}
	if v := os.Getenv("WEBHOOK_SECRET"); v != "" {
		c.API.WebhookSecret = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Queue.ConsumerGroup == "" {
		c.Queue.ConsumerGroup = "marionette:workers"
	}
	if c.Queue.BlockMillis == 0 {
		c.Queue.BlockMillis = 250
	}
	if c.Queue.PromoteInterval == 0 {
		c.Queue.PromoteInterval = 1
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 4
	}
	if c.Workers.MaxAttempts == 0 {
		c.Workers.MaxAttempts = 3
	}
	if c.Workers.RetryBaseMs == 0 {
		c.Workers.RetryBaseMs = 1000
	}
	if c.Workers.RetryFactor == 0 {
		c.Workers.RetryFactor = 2
	}
	if c.Workers.DefaultTimeout == 0 {
		c.Workers.DefaultTimeout = 300
	}
	if c.Browser.MaxInstances == 0 {
		c.Browser.MaxInstances = 10
	}
	if c.Browser.MinInstances == 0 {
		c.Browser.MinInstances = 5
	}
	if c.Browser.MaxPagesPerInstance == 0 {
		c.Browser.MaxPagesPerInstance = 4
	}
	if c.Browser.IdleTTLSeconds == 0 {
		c.Browser.IdleTTLSeconds = 300
	}
	if c.Vault.CacheTTLSeconds == 0 {
		c.Vault.CacheTTLSeconds = 300
	}
	if c.Circuit.FailureThreshold == 0 {
		c.Circuit.FailureThreshold = 5
	}
	if len(c.Circuit.CooldownSequence) == 0 {
		c.Circuit.CooldownSequence = []string{"1h", "6h", "24h"}
	}
	if c.RateLimit.APIRequestsPerMinute == 0 {
		c.RateLimit.APIRequestsPerMinute = 120
	}
	if c.RateLimit.APIBurst == 0 {
		c.RateLimit.APIBurst = c.RateLimit.APIRequestsPerMinute * 2
	}
	if c.Artifacts.Root == "" {
		c.Artifacts.Root = "./artifacts"
	}
}

// CooldownDurations parses the configured cooldown sequence, skipping
// malformed entries. Never returns an empty slice.
func (c *CircuitConfig) CooldownDurations() []time.Duration {
	out := make([]time.Duration, 0, len(c.CooldownSequence))
	for _, s := range c.CooldownSequence {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour}
	}
	return out
}
