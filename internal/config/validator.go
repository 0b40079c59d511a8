package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format. An empty key is allowed for
// local OpenAI-compatible servers that do not authenticate.
func (v *Validator) ValidateAPIKey(key string) error {
	if key == "" {
		return nil
	}
	if strings.TrimSpace(key) != key {
		return fmt.Errorf("API key must not contain surrounding whitespace")
	}
	return nil
}

// ValidateBaseURL validates the streaming endpoint base URL
func (v *Validator) ValidateBaseURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("stream base_url cannot be empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid stream base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("stream base_url must use http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("stream base_url has no host")
	}
	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a listen port
func (v *Validator) ValidatePort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s port must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

// ValidateTimer validates a configured timer
func (v *Validator) ValidateTimer(t TimerConfig) error {
	if t.Name == "" {
		return fmt.Errorf("timer name cannot be empty")
	}
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("timer %q: prompt cannot be empty", t.Name)
	}
	if err := t.Schedule.Validate(); err != nil {
		return fmt.Errorf("timer %q: %w", t.Name, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	// Scheduler
	if cfg.Scheduler.Workers < 1 {
		errors = append(errors, fmt.Errorf("scheduler.workers must be >= 1"))
	}
	if cfg.Scheduler.ShutdownTimeoutSeconds < 0 {
		errors = append(errors, fmt.Errorf("scheduler.shutdown_timeout_seconds must be >= 0"))
	}
	seen := make(map[string]bool, len(cfg.Scheduler.Timers))
	for _, t := range cfg.Scheduler.Timers {
		if err := v.ValidateTimer(t); err != nil {
			errors = append(errors, err)
			continue
		}
		if seen[t.Name] {
			errors = append(errors, fmt.Errorf("duplicate timer name: %s", t.Name))
		}
		seen[t.Name] = true
	}

	// Stream
	if err := v.ValidateBaseURL(cfg.Stream.BaseURL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateAPIKey(cfg.Stream.APIKey); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateModel(cfg.Stream.Model); err != nil {
		errors = append(errors, err)
	}
	if cfg.Stream.MaxAttempts < 1 {
		errors = append(errors, fmt.Errorf("stream.max_attempts must be >= 1"))
	}
	if cfg.Stream.BaseBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("stream.base_backoff_ms must be >= 0"))
	}
	if cfg.Stream.MaxBackoffMs < 0 {
		errors = append(errors, fmt.Errorf("stream.max_backoff_ms must be >= 0"))
	}
	if cfg.Stream.Breaker.Enabled && cfg.Stream.Breaker.ConsecutiveFailures == 0 {
		errors = append(errors, fmt.Errorf("stream.breaker.consecutive_failures must be > 0"))
	}

	// Agent
	if err := v.ValidateTemperature(cfg.Agent.Temperature); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens); err != nil {
		errors = append(errors, err)
	}
	if cfg.Agent.MaxHistory < 0 {
		errors = append(errors, fmt.Errorf("agent.max_history must be >= 0"))
	}

	// Ingress
	if cfg.Webhook.Enabled {
		if err := v.ValidatePort("webhook", cfg.Webhook.Port); err != nil {
			errors = append(errors, err)
		}
		if cfg.Webhook.RateLimit < 0 {
			errors = append(errors, fmt.Errorf("webhook.rate_limit must be >= 0"))
		}
		if cfg.Webhook.RateLimit > 0 && cfg.Webhook.Burst < 1 {
			errors = append(errors, fmt.Errorf("webhook.burst must be >= 1 when rate limiting"))
		}
	}
	if cfg.Gateway.Enabled {
		if err := v.ValidatePort("gateway", cfg.Gateway.Port); err != nil {
			errors = append(errors, err)
		}
		if cfg.Webhook.Enabled && cfg.Webhook.Port == cfg.Gateway.Port && cfg.Webhook.Host == cfg.Gateway.Host {
			errors = append(errors, fmt.Errorf("gateway and webhook cannot listen on the same address"))
		}
	}
	if cfg.Telegram.Enabled {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	if cfg.Spool.Enabled && cfg.Spool.Dir == "" && cfg.DataDir == "" {
		errors = append(errors, fmt.Errorf("spool.dir is required when data_dir is empty"))
	}
	if cfg.Redis.Enabled {
		if cfg.Redis.URL == "" {
			errors = append(errors, fmt.Errorf("redis.url is required"))
		}
		if cfg.Redis.Stream == "" || cfg.Redis.Group == "" {
			errors = append(errors, fmt.Errorf("redis.stream and redis.group are required"))
		}
	}

	return errors
}
