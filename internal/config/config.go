package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/tidwall/jsonc"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Agent       AgentConfig               `json:"agent"`
	Queue       QueueConfig               `json:"queue"`
	Integration IntegrationConfig         `json:"integration"`
	Workers     WorkerConfig              `json:"workers"`
	Auth        AuthConfig                `json:"auth"`
	Log         LogConfig                 `json:"log"`

	// Env carries overrides read from the process environment.
	Env EnvOverrides `json:"-"`
}

type BasicConfig struct {
	ServerAddress string `json:"server_address"`
	Database      string `json:"database"`
	MediaDir      string `json:"media_dir"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// AgentConfig selects the chat provider used by workers. An empty provider, or
// one without an api key, falls back to the echo agent.
type AgentConfig struct {
	Provider       string `json:"provider"`
	SystemPrompt   string `json:"system_prompt"`
	WebSearch      bool   `json:"web_search"`
	GoogleAPIKey   string `json:"google_api_key"`
	GoogleEngineID string `json:"google_search_engine_id"`
}

type QueueConfig struct {
	Backend             string `json:"backend"` // redis or memory
	Name                string `json:"name"`
	LeaseTimeoutSeconds int    `json:"lease_timeout_seconds"`
	PollIntervalMillis  int    `json:"poll_interval_ms"`
	JanitorSeconds      int    `json:"janitor_interval_seconds"`
	StaleQueuedSeconds  int    `json:"stale_queued_seconds"`
}

type IntegrationConfig struct {
	URL               string `json:"url"`
	MaxAttempts       int    `json:"max_attempts"`
	BaseBackoffMillis int    `json:"base_backoff_ms"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
}

type WorkerConfig struct {
	MinWorkers        int `json:"min_workers"`
	MaxWorkers        int `json:"max_workers"`
	IdleTimeoutSecond int `json:"idle_timeout_seconds"`
}

type AuthConfig struct {
	TokenTTLHours int `json:"token_ttl_hours"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or console
}

// EnvOverrides lists the environment variables that take precedence over the file.
type EnvOverrides struct {
	Database       string `env:"AGENTCHAT_DB"`
	DatabaseDSN    string `env:"AGENTCHAT_DATABASE_DSN"`
	RedisHost      string `env:"AGENTCHAT_REDIS_HOST"`
	RedisPort      int    `env:"AGENTCHAT_REDIS_PORT"`
	RedisPassword  string `env:"AGENTCHAT_REDIS_PASSWORD"`
	IntegrationURL string `env:"AGENTCHAT_INTEGRATION_URL"`
	MediaDir       string `env:"AGENTCHAT_MEDIA_DIR"`
	ServerAddress  string `env:"AGENTCHAT_ADDR"`
	QueueBackend   string `env:"AGENTCHAT_QUEUE"`
	Provider       string `env:"AGENTCHAT_PROVIDER"`
	GeminiAPIKey   string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey   string `env:"OPENAI_API_KEY"`
	ClaudeAPIKey   string `env:"ANTHROPIC_API_KEY"`
	GoogleAPIKey   string `env:"GOOGLE_API_KEY"`
	GoogleEngineID string `env:"GOOGLE_SEARCH_ENGINE_ID"`
	LogLevel       string `env:"AGENTCHAT_LOG_LEVEL"`
}

const (
	defaultAddress     = ":8090"
	defaultDatabase    = "sqlite3"
	defaultMediaDir    = "./data/media"
	defaultQueueName   = "agentchat:runs"
	defaultLease       = 10 * time.Minute
	defaultPoll        = 500 * time.Millisecond
	defaultJanitor     = 15 * time.Second
	defaultStaleQueued = 2 * time.Minute
	defaultMaxAttempts = 3
	defaultBaseBackoff = time.Second
	defaultHookTimeout = 10 * time.Second
	defaultTokenTTL    = 24 * time.Hour
	defaultWorkerIdle  = 30 * time.Second
	defaultMaxWorkers  = 4
	defaultSQLiteDSN   = "file:./data/agentchat.db?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1&_txlock=immediate"
)

// Load reads configuration from the provided path (defaults to config.json),
// applies environment overrides and fills defaults. A missing default file is
// not an error; every field has a usable default.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(absPath)
	switch {
	case err == nil:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", absPath, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	if err := env.Parse(&cfg.Env); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(absPath))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	e := c.Env
	if e.Database != "" {
		c.BasicConfig.Database = e.Database
	}
	if e.DatabaseDSN != "" {
		if c.Databases == nil {
			c.Databases = make(map[string]DatabaseConfig)
		}
		driver := c.BasicConfig.Database
		if driver == "" {
			driver = defaultDatabase
		}
		db := c.Databases[driver]
		db.DSN = e.DatabaseDSN
		c.Databases[driver] = db
	}
	if e.RedisHost != "" {
		c.Redis.Host = e.RedisHost
	}
	if e.RedisPort != 0 {
		c.Redis.Port = e.RedisPort
	}
	if e.RedisPassword != "" {
		c.Redis.Password = e.RedisPassword
	}
	if e.IntegrationURL != "" {
		c.Integration.URL = e.IntegrationURL
	}
	if e.MediaDir != "" {
		c.BasicConfig.MediaDir = e.MediaDir
	}
	if e.ServerAddress != "" {
		c.BasicConfig.ServerAddress = e.ServerAddress
	}
	if e.QueueBackend != "" {
		c.Queue.Backend = e.QueueBackend
	}
	if e.Provider != "" {
		c.Agent.Provider = e.Provider
	}
	if e.LogLevel != "" {
		c.Log.Level = e.LogLevel
	}
	if e.GoogleAPIKey != "" {
		c.Agent.GoogleAPIKey = e.GoogleAPIKey
	}
	if e.GoogleEngineID != "" {
		c.Agent.GoogleEngineID = e.GoogleEngineID
	}
	c.setProviderKey("gemini", e.GeminiAPIKey)
	c.setProviderKey("openai", e.OpenAIAPIKey)
	c.setProviderKey("claude", e.ClaudeAPIKey)
}

func (c *Config) setProviderKey(name, key string) {
	if key == "" {
		return
	}
	if c.Providers == nil {
		c.Providers = make(map[string]ProviderConfig)
	}
	p := c.Providers[name]
	p.APIKey = key
	c.Providers[name] = p
}

func (c *Config) applyDefaults(baseDir string) {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = defaultAddress
	}
	if c.BasicConfig.Database == "" {
		c.BasicConfig.Database = defaultDatabase
	}
	if c.BasicConfig.MediaDir == "" {
		c.BasicConfig.MediaDir = defaultMediaDir
	}
	if !filepath.IsAbs(c.BasicConfig.MediaDir) {
		c.BasicConfig.MediaDir = filepath.Join(baseDir, c.BasicConfig.MediaDir)
	}
	if c.Databases == nil {
		c.Databases = make(map[string]DatabaseConfig)
	}
	if db, ok := c.Databases["sqlite3"]; !ok || db.DSN == "" {
		db.DSN = defaultSQLiteDSN
		c.Databases["sqlite3"] = db
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Queue.Backend == "" {
		c.Queue.Backend = "redis"
	}
	if c.Queue.Name == "" {
		c.Queue.Name = defaultQueueName
	}
	if c.Integration.MaxAttempts <= 0 {
		c.Integration.MaxAttempts = defaultMaxAttempts
	}
	if c.Workers.MaxWorkers <= 0 {
		c.Workers.MaxWorkers = defaultMaxWorkers
	}
	if c.Workers.MinWorkers < 0 {
		c.Workers.MinWorkers = 0
	}
	if c.Workers.MinWorkers > c.Workers.MaxWorkers {
		c.Workers.MinWorkers = c.Workers.MaxWorkers
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.BasicConfig.Database {
	case "sqlite", "sqlite3", "mysql", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported database %q", c.BasicConfig.Database)
	}
	switch c.Queue.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported queue backend %q", c.Queue.Backend)
	}
	return nil
}

func seconds(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}

func millis(n int, def time.Duration) time.Duration {
	if n <= 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// LeaseTimeout bounds how long a worker may hold a job before redelivery.
func (q QueueConfig) LeaseTimeout() time.Duration {
	return seconds(q.LeaseTimeoutSeconds, defaultLease)
}

func (q QueueConfig) PollInterval() time.Duration {
	return millis(q.PollIntervalMillis, defaultPoll)
}

func (q QueueConfig) JanitorInterval() time.Duration {
	return seconds(q.JanitorSeconds, defaultJanitor)
}

func (q QueueConfig) StaleQueuedAfter() time.Duration {
	return seconds(q.StaleQueuedSeconds, defaultStaleQueued)
}

func (i IntegrationConfig) BaseBackoff() time.Duration {
	return millis(i.BaseBackoffMillis, defaultBaseBackoff)
}

func (i IntegrationConfig) Timeout() time.Duration {
	return seconds(i.TimeoutSeconds, defaultHookTimeout)
}

func (w WorkerConfig) IdleTimeout() time.Duration {
	return seconds(w.IdleTimeoutSecond, defaultWorkerIdle)
}

func (a AuthConfig) TokenTTL() time.Duration {
	if a.TokenTTLHours <= 0 {
		return defaultTokenTTL
	}
	return time.Duration(a.TokenTTLHours) * time.Hour
}
