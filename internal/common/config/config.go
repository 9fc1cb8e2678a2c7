// Package config provides configuration management for the Claude Code Server.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/csdwd/claude-code-server/internal/common/logger"
)

// Config holds all configuration sections for the server.
type Config struct {
	Server     ServerConfig         `mapstructure:"server"`
	Storage    StorageConfig        `mapstructure:"storage"`
	Executor   ExecutorConfig       `mapstructure:"executor"`
	TaskQueue  TaskQueueConfig      `mapstructure:"taskQueue"`
	Webhook    WebhookConfig        `mapstructure:"webhook"`
	Statistics StatisticsConfig     `mapstructure:"statistics"`
	RateLimit  RateLimitConfig      `mapstructure:"rateLimit"`
	Session    SessionConfig        `mapstructure:"session"`
	NATS       NATSConfig           `mapstructure:"nats"`
	Logging    logger.LoggingConfig `mapstructure:"logging"`
	PIDFile    string               `mapstructure:"pidFile"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig holds the on-disk document store configuration.
type StorageConfig struct {
	DataDir string `mapstructure:"dataDir"`
}

// ExecutorConfig holds Claude CLI invocation configuration.
type ExecutorConfig struct {
	Binary             string `mapstructure:"binary"`
	DefaultProjectPath string `mapstructure:"defaultProjectPath"`
	DefaultModel       string `mapstructure:"defaultModel"`
	Timeout            int    `mapstructure:"timeout"` // in seconds
}

// TaskQueueConfig holds task scheduler tuning.
type TaskQueueConfig struct {
	Concurrency    int `mapstructure:"concurrency"`
	DefaultTimeout int `mapstructure:"defaultTimeout"` // per-task, in seconds
	PollInterval   int `mapstructure:"pollInterval"`   // in seconds
	RetentionDays  int `mapstructure:"retentionDays"`
}

// WebhookConfig holds webhook dispatcher tuning.
type WebhookConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	DefaultURL string `mapstructure:"defaultUrl"`
	Timeout    int    `mapstructure:"timeout"` // per-attempt, in seconds
	Retries    int    `mapstructure:"retries"`
}

// StatisticsConfig holds the statistics collector configuration.
type StatisticsConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	CollectionInterval int  `mapstructure:"collectionInterval"` // in seconds
	RetentionDays      int  `mapstructure:"retentionDays"`
}

// RateLimitConfig holds request rate limiting middleware configuration.
type RateLimitConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	WindowMs    int  `mapstructure:"windowMs"`
	MaxRequests int  `mapstructure:"maxRequests"`
}

// SessionConfig holds session lifecycle configuration.
type SessionConfig struct {
	RetentionDays int `mapstructure:"retentionDays"`
}

// NATSConfig holds NATS event bus configuration.
// Empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// TimeoutDuration returns the executor timeout as a time.Duration.
func (e *ExecutorConfig) TimeoutDuration() time.Duration {
	return time.Duration(e.Timeout) * time.Second
}

// DefaultTimeoutDuration returns the per-task timeout as a time.Duration.
func (t *TaskQueueConfig) DefaultTimeoutDuration() time.Duration {
	return time.Duration(t.DefaultTimeout) * time.Second
}

// PollIntervalDuration returns the poll interval as a time.Duration.
func (t *TaskQueueConfig) PollIntervalDuration() time.Duration {
	return time.Duration(t.PollInterval) * time.Second
}

// TimeoutDuration returns the per-attempt webhook timeout as a time.Duration.
func (w *WebhookConfig) TimeoutDuration() time.Duration {
	return time.Duration(w.Timeout) * time.Second
}

// CollectionIntervalDuration returns the snapshot interval as a time.Duration.
func (s *StatisticsConfig) CollectionIntervalDuration() time.Duration {
	return time.Duration(s.CollectionInterval) * time.Second
}

// WindowDuration returns the rate limit window as a time.Duration.
func (r *RateLimitConfig) WindowDuration() time.Duration {
	return time.Duration(r.WindowMs) * time.Millisecond
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 600)

	// Storage defaults
	v.SetDefault("storage.dataDir", "./data")

	// Executor defaults
	v.SetDefault("executor.binary", "claude")
	v.SetDefault("executor.defaultProjectPath", ".")
	v.SetDefault("executor.defaultModel", "claude-sonnet-4-20250514")
	v.SetDefault("executor.timeout", 300)

	// Task queue defaults
	v.SetDefault("taskQueue.concurrency", 3)
	v.SetDefault("taskQueue.defaultTimeout", 300)
	v.SetDefault("taskQueue.pollInterval", 1)
	v.SetDefault("taskQueue.retentionDays", 30)

	// Webhook defaults
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.defaultUrl", "")
	v.SetDefault("webhook.timeout", 10)
	v.SetDefault("webhook.retries", 3)

	// Statistics defaults
	v.SetDefault("statistics.enabled", true)
	v.SetDefault("statistics.collectionInterval", 60)
	v.SetDefault("statistics.retentionDays", 90)

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.windowMs", 60000)
	v.SetDefault("rateLimit.maxRequests", 100)

	// Session defaults
	v.SetDefault("session.retentionDays", 30)

	// NATS defaults - empty URL means use the in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "claude-code-server")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("pidFile", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CCS_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/claude-code-server/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CCS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config keys are camelCase.
	_ = v.BindEnv("executor.binary", "CCS_EXECUTOR_BINARY", "CLAUDE_BINARY")
	_ = v.BindEnv("executor.defaultProjectPath", "CCS_EXECUTOR_DEFAULT_PROJECT_PATH")
	_ = v.BindEnv("executor.defaultModel", "CCS_EXECUTOR_DEFAULT_MODEL")
	_ = v.BindEnv("taskQueue.concurrency", "CCS_TASK_QUEUE_CONCURRENCY")
	_ = v.BindEnv("taskQueue.defaultTimeout", "CCS_TASK_QUEUE_DEFAULT_TIMEOUT")
	_ = v.BindEnv("webhook.defaultUrl", "CCS_WEBHOOK_DEFAULT_URL")
	_ = v.BindEnv("storage.dataDir", "CCS_STORAGE_DATA_DIR")
	_ = v.BindEnv("logging.level", "CCS_LOG_LEVEL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/claude-code-server/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}

	if cfg.Executor.Binary == "" {
		errs = append(errs, "executor.binary is required")
	}
	if cfg.Executor.Timeout <= 0 {
		errs = append(errs, "executor.timeout must be positive")
	}

	if cfg.TaskQueue.Concurrency <= 0 {
		errs = append(errs, "taskQueue.concurrency must be positive")
	}
	if cfg.TaskQueue.DefaultTimeout <= 0 {
		errs = append(errs, "taskQueue.defaultTimeout must be positive")
	}
	if cfg.TaskQueue.PollInterval <= 0 {
		errs = append(errs, "taskQueue.pollInterval must be positive")
	}
	if cfg.TaskQueue.RetentionDays <= 0 {
		errs = append(errs, "taskQueue.retentionDays must be positive")
	}

	if cfg.Webhook.Retries < 1 {
		errs = append(errs, "webhook.retries must be at least 1")
	}
	if cfg.Webhook.Timeout <= 0 {
		errs = append(errs, "webhook.timeout must be positive")
	}

	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.WindowMs <= 0 {
			errs = append(errs, "rateLimit.windowMs must be positive")
		}
		if cfg.RateLimit.MaxRequests <= 0 {
			errs = append(errs, "rateLimit.maxRequests must be positive")
		}
	}

	if cfg.Session.RetentionDays <= 0 {
		errs = append(errs, "session.retentionDays must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
