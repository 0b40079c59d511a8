package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DirectChannel is an in-process channel used by timers and the CLI. It has
// no transport of its own; replies are written to the log.
type DirectChannel struct {
	name   string
	logger zerolog.Logger
}

// NewDirectChannel creates a direct channel by name.
func NewDirectChannel(name string) *DirectChannel {
	name = strings.TrimSpace(name)
	return &DirectChannel{
		name:   name,
		logger: log.Logger.With().Str("component", "channel").Str("channel", name).Logger(),
	}
}

// Name returns channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// Start validates dispatcher availability.
func (c *DirectChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	return nil
}

// Stop is a no-op for direct channels.
func (c *DirectChannel) Stop(_ context.Context) error {
	return nil
}

// Deliver logs the reply.
func (c *DirectChannel) Deliver(_ context.Context, reply Reply) error {
	ev := c.logger.Info()
	if reply.Error != "" {
		ev = c.logger.Warn().Str("error", reply.Error)
	}
	ev.Str("session", reply.SessionKey).
		Str("task_id", reply.TaskID).
		Int("reply_len", len(reply.Content)).
		Msg(reply.Content)
	return nil
}
