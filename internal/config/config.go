package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/harun/ranya-runtime/pkg/cron"
)

// Config represents the main runtime configuration
type Config struct {
	// Data directory (pid file, spool, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Scheduler / event loop
	Scheduler SchedulerConfig `json:"scheduler" mapstructure:"scheduler"`

	// Streaming completion endpoint
	Stream StreamConfig `json:"stream" mapstructure:"stream"`

	// Agent runner
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Ingress lanes
	Webhook  WebhookConfig  `json:"webhook" mapstructure:"webhook"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Spool    SpoolConfig    `json:"spool" mapstructure:"spool"`
	Redis    RedisConfig    `json:"redis" mapstructure:"redis"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAgeDay int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress  bool   `json:"compress" mapstructure:"compress"`
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	Stdout      bool   `json:"stdout" mapstructure:"stdout"`
}

// SchedulerConfig configures the worker pool and the configured timers.
type SchedulerConfig struct {
	Workers                int           `json:"workers" mapstructure:"workers"`
	DrainOnShutdown        bool          `json:"drain_on_shutdown" mapstructure:"drain_on_shutdown"`
	ShutdownTimeoutSeconds int           `json:"shutdown_timeout_seconds" mapstructure:"shutdown_timeout_seconds"`
	StatsIntervalSeconds   int           `json:"stats_interval_seconds" mapstructure:"stats_interval_seconds"`
	Timers                 []TimerConfig `json:"timers" mapstructure:"timers"`
}

// TimerConfig is a scheduled prompt delivered to a session.
type TimerConfig struct {
	Name     string        `json:"name" mapstructure:"name"`
	Session  string        `json:"session" mapstructure:"session"`
	Prompt   string        `json:"prompt" mapstructure:"prompt"`
	Schedule cron.Schedule `json:"schedule" mapstructure:"schedule"`
}

// StreamConfig describes the OpenAI-compatible streaming endpoint.
type StreamConfig struct {
	BaseURL        string        `json:"base_url" mapstructure:"base_url"`
	APIKey         string        `json:"api_key" mapstructure:"api_key"`
	Model          string        `json:"model" mapstructure:"model"`
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoffMs  int           `json:"base_backoff_ms" mapstructure:"base_backoff_ms"`
	MaxBackoffMs   int           `json:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	TimeoutSeconds int           `json:"timeout_seconds" mapstructure:"timeout_seconds"`
	Breaker        BreakerConfig `json:"breaker" mapstructure:"breaker"`
}

// BreakerConfig configures the circuit breaker around stream opening.
type BreakerConfig struct {
	Enabled             bool   `json:"enabled" mapstructure:"enabled"`
	ConsecutiveFailures uint32 `json:"consecutive_failures" mapstructure:"consecutive_failures"`
	OpenSeconds         int    `json:"open_seconds" mapstructure:"open_seconds"`
}

// AgentConfig holds agent runner settings
type AgentConfig struct {
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxHistory   int     `json:"max_history" mapstructure:"max_history"`
}

// WebhookConfig holds HTTP ingress configuration
type WebhookConfig struct {
	Enabled               bool    `json:"enabled" mapstructure:"enabled"`
	Host                  string  `json:"host" mapstructure:"host"`
	Port                  int     `json:"port" mapstructure:"port"`
	RateLimit             float64 `json:"rate_limit" mapstructure:"rate_limit"` // requests per second per client, 0 disables
	Burst                 int     `json:"burst" mapstructure:"burst"`
	IdempotencyTTLSeconds int     `json:"idempotency_ttl_seconds" mapstructure:"idempotency_ttl_seconds"`
	MaxBodyBytes          int64   `json:"max_body_bytes" mapstructure:"max_body_bytes"`
	Secret                string  `json:"secret" mapstructure:"secret"` // HMAC-SHA256 key for X-Webhook-Signature
}

// GatewayConfig holds WebSocket gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled   bool    `json:"enabled" mapstructure:"enabled"`
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// SpoolConfig configures the file-drop ingress.
type SpoolConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// RedisConfig configures the Redis Streams ingress lane.
type RedisConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	URL         string `json:"url" mapstructure:"url"`
	Stream      string `json:"stream" mapstructure:"stream"`
	Group       string `json:"group" mapstructure:"group"`
	Consumer    string `json:"consumer" mapstructure:"consumer"`
	ReplyStream string `json:"reply_stream" mapstructure:"reply_stream"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
			MaxSizeMB: 100,
			MaxAgeDay: 7,
		},
		Tracing: TracingConfig{
			ServiceName: "ranyad",
		},
		Scheduler: SchedulerConfig{
			Workers:                4,
			DrainOnShutdown:        true,
			ShutdownTimeoutSeconds: 30,
			StatsIntervalSeconds:   60,
		},
		Stream: StreamConfig{
			BaseURL:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			MaxAttempts:    3,
			BaseBackoffMs:  1000,
			MaxBackoffMs:   30000,
			TimeoutSeconds: 120,
			Breaker: BreakerConfig{
				Enabled:             true,
				ConsecutiveFailures: 5,
				OpenSeconds:         30,
			},
		},
		Agent: AgentConfig{
			Temperature: 0.7,
			MaxTokens:   4096,
			MaxHistory:  40,
		},
		Webhook: WebhookConfig{
			Enabled:               true,
			Host:                  "127.0.0.1",
			Port:                  18790,
			RateLimit:             10,
			Burst:                 20,
			IdempotencyTTLSeconds: 300,
			MaxBodyBytes:          1 << 20,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18789,
		},
		Redis: RedisConfig{
			Stream:      "ranya:tasks",
			Group:       "ranya",
			Consumer:    "ranyad",
			ReplyStream: "ranya:replies",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if errs := NewValidator().ValidateConfig(c); len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
