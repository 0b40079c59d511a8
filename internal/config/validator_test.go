package config

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/harun/ranya-runtime/pkg/cron"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("empty key allowed", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey(""))
	})

	t.Run("plain key", func(t *testing.T) {
		assert.NoError(t, v.ValidateAPIKey("sk-test123"))
	})

	t.Run("surrounding whitespace", func(t *testing.T) {
		assert.Error(t, v.ValidateAPIKey("sk-test123\n"))
	})
}

func TestValidateBaseURL(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://api.openai.com/v1", false},
		{"local http", "http://127.0.0.1:11434/v1", false},
		{"empty", "", true},
		{"no scheme", "api.openai.com", true},
		{"ftp", "ftp://example.com", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateBaseURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateTelegramToken(t *testing.T) {
	v := NewValidator()

	t.Run("valid token", func(t *testing.T) {
		err := v.ValidateTelegramToken("123456789:ABCdefGHIjklMNOpqrsTUVwxyz")
		assert.NoError(t, err)
	})

	t.Run("invalid format", func(t *testing.T) {
		err := v.ValidateTelegramToken("invalid-token")
		assert.Error(t, err)
	})

	t.Run("empty token", func(t *testing.T) {
		err := v.ValidateTelegramToken("")
		assert.Error(t, err)
	})
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(1.5))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.1))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateLogLevel(t *testing.T) {
	v := NewValidator()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		assert.NoError(t, v.ValidateLogLevel(level), level)
	}
	assert.Error(t, v.ValidateLogLevel("verbose"))
}

func TestValidateTimer(t *testing.T) {
	v := NewValidator()

	t.Run("valid cron timer", func(t *testing.T) {
		err := v.ValidateTimer(TimerConfig{
			Name:     "daily",
			Session:  "ops",
			Prompt:   "summarize overnight alerts",
			Schedule: cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "0 9 * * *"},
		})
		assert.NoError(t, err)
	})

	t.Run("missing prompt", func(t *testing.T) {
		err := v.ValidateTimer(TimerConfig{
			Name:     "daily",
			Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, Every: "1h"},
		})
		assert.ErrorContains(t, err, "prompt")
	})

	t.Run("bad schedule", func(t *testing.T) {
		err := v.ValidateTimer(TimerConfig{
			Name:     "broken",
			Prompt:   "ping",
			Schedule: cron.Schedule{Kind: cron.ScheduleKindCron, Expr: "not a cron"},
		})
		assert.ErrorContains(t, err, "broken")
	})
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Scheduler.Workers = 0
		cfg.Stream.MaxAttempts = 0
		cfg.Telegram.Enabled = true
		cfg.Redis.Enabled = true

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})

	t.Run("duplicate timer names", func(t *testing.T) {
		cfg := DefaultConfig()
		timer := TimerConfig{
			Name:     "heartbeat",
			Prompt:   "status?",
			Schedule: cron.Schedule{Kind: cron.ScheduleKindEvery, Every: "5m"},
		}
		cfg.Scheduler.Timers = []TimerConfig{timer, timer}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 1)
		assert.ErrorContains(t, errs[0], "duplicate timer name")
	})

	t.Run("gateway shares webhook address", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.Enabled = true
		cfg.Gateway.Port = cfg.Webhook.Port

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 1)
	})
}
