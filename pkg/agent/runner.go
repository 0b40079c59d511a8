package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/retry"
	"github.com/harun/ranya-runtime/pkg/scheduler"
	"github.com/harun/ranya-runtime/pkg/stream"
)

// TimerChannel is the channel that receives replies to timer-driven turns.
const TimerChannel = "timer"

// ReplySink delivers replies and streamed chunks to their origin channel.
// *channels.Registry satisfies it.
type ReplySink interface {
	Deliver(ctx context.Context, reply channels.Reply) error
	DeliverChunk(ctx context.Context, chunk channels.Chunk) error
}

// Config holds runner configuration
type Config struct {
	Provider     Provider
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	MaxHistory   int
	Retry        retry.Policy
	// Replies may be nil, in which case results are only logged.
	Replies ReplySink
	Logger  *zerolog.Logger
}

// Runner executes agent turns: one streaming completion per task, with the
// session's history as context.
type Runner struct {
	provider     Provider
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	retry        retry.Policy
	replies      ReplySink
	sessions     *SessionStore
	logger       zerolog.Logger
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	logger = logger.With().Str("component", "agent").Logger()

	policy := cfg.Retry
	if policy.Name == "" {
		policy.Name = "stream:" + cfg.Provider.Name()
	}

	return &Runner{
		provider:     cfg.Provider,
		model:        cfg.Model,
		systemPrompt: cfg.SystemPrompt,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		retry:        policy,
		replies:      cfg.Replies,
		sessions:     NewSessionStore(cfg.MaxHistory),
		logger:       logger,
	}, nil
}

// Sessions exposes the runner's session history.
func (r *Runner) Sessions() *SessionStore {
	return r.sessions
}

// HandleTask is the scheduler task handler. The payload is a task envelope
// or plain text; the reply goes back to the task's source channel.
func (r *Runner) HandleTask(ctx context.Context, task scheduler.Task) error {
	env := channels.DecodeTaskPayload(task.Payload)

	meta := make(map[string]string, len(task.Meta)+len(env.Metadata))
	maps.Copy(meta, task.Meta)
	maps.Copy(meta, env.Metadata)

	sessionKey := env.Session
	if sessionKey == "" {
		sessionKey = meta[channels.MetaSession]
	}
	if sessionKey == "" {
		sessionKey = task.Source + ":" + task.ID
	}

	return r.runAndReply(ctx, RunParams{
		TaskID:     task.ID,
		SessionKey: sessionKey,
		Channel:    task.Source,
		Prompt:     env.Prompt,
		Metadata:   meta,
	})
}

// HandleEvent is the scheduler event handler. Timer events become agent
// turns on the timer's session.
func (r *Runner) HandleEvent(ctx context.Context, ev scheduler.ScheduledEvent) error {
	var timer TimerPayload
	switch p := ev.Payload.(type) {
	case TimerPayload:
		timer = p
	case *TimerPayload:
		if p == nil {
			return fmt.Errorf("event %s has a nil timer payload", ev.ID)
		}
		timer = *p
	default:
		r.logger.Warn().
			Str("event_id", ev.ID).
			Str("name", ev.Name).
			Str("payload_type", fmt.Sprintf("%T", ev.Payload)).
			Msg("Ignoring event with unknown payload")
		return fmt.Errorf("unsupported event payload %T", ev.Payload)
	}

	sessionKey := timer.Session
	if sessionKey == "" {
		sessionKey = TimerChannel + ":" + timer.Name
	}

	return r.runAndReply(ctx, RunParams{
		TaskID:     fmt.Sprintf("%s-%d", ev.ID, ev.Due.UnixMilli()),
		SessionKey: sessionKey,
		Channel:    TimerChannel,
		Prompt:     timer.Prompt,
		Metadata:   map[string]string{"timer": timer.Name, "event_id": ev.ID},
	})
}

func (r *Runner) runAndReply(ctx context.Context, params RunParams) error {
	result, runErr := r.Run(ctx, params)

	reply := channels.Reply{
		Channel:    params.Channel,
		SessionKey: params.SessionKey,
		TaskID:     params.TaskID,
		Content:    result.Content,
		Metadata:   params.Metadata,
	}
	if runErr != nil {
		reply.Error = runErr.Error()
	}
	if len(result.ToolCalls) > 0 {
		if encoded, err := json.Marshal(result.ToolCalls); err == nil {
			reply.Metadata = maps.Clone(reply.Metadata)
			if reply.Metadata == nil {
				reply.Metadata = make(map[string]string, 1)
			}
			reply.Metadata["tool_calls"] = string(encoded)
		}
	}

	deliverErr := r.deliver(ctx, reply)
	if runErr != nil {
		return runErr
	}
	return deliverErr
}

func (r *Runner) deliver(ctx context.Context, reply channels.Reply) error {
	if r.replies == nil {
		return nil
	}
	err := r.replies.Deliver(ctx, reply)
	if err == nil {
		return nil
	}
	if errors.Is(err, channels.ErrNoResponder) {
		r.logger.Debug().
			Str("channel", reply.Channel).
			Str("task_id", reply.TaskID).
			Msg("Channel does not take replies")
		return nil
	}
	r.logger.Error().
		Err(err).
		Str("channel", reply.Channel).
		Str("task_id", reply.TaskID).
		Msg("Failed to deliver reply")
	return fmt.Errorf("failed to deliver reply: %w", err)
}

// Run executes one agent turn. History is updated only when the stream
// completes, so a failed turn leaves the session untouched.
func (r *Runner) Run(ctx context.Context, params RunParams) (Result, error) {
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}
	ctx = tracing.WithRunID(ctx, tracing.NewRunID())
	ctx = tracing.WithTaskID(ctx, params.TaskID)
	ctx = tracing.WithSessionKey(ctx, params.SessionKey)
	ctx, span := tracing.StartSpan(
		ctx,
		"ranya.agent",
		"agent.run",
		attribute.String("session_key", params.SessionKey),
		attribute.String("channel", params.Channel),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)

	result := Result{TaskID: params.TaskID, SessionKey: params.SessionKey}

	prompt := strings.TrimSpace(params.Prompt)
	if prompt == "" {
		err := fmt.Errorf("prompt is empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	st := r.sessions.acquire(params.SessionKey)
	defer st.mu.Unlock()

	userMsg := Message{Role: RoleUser, Content: prompt}
	messages := make([]Message, 0, len(st.history)+1)
	messages = append(messages, st.history...)
	messages = append(messages, userMsg)

	req := Request{
		Model:        r.model,
		SystemPrompt: r.systemPrompt,
		Messages:     messages,
		Temperature:  r.temperature,
		MaxTokens:    r.maxTokens,
	}

	driver, err := stream.NewDriver(stream.DriverConfig{
		Open: func(ctx context.Context) (io.ReadCloser, error) {
			return r.provider.OpenStream(ctx, req)
		},
		Retry:   r.retry,
		OnChunk: r.chunkForwarder(ctx, params),
		Logger:  &logger,
	})
	if err != nil {
		return result, err
	}

	logger.Info().
		Str("channel", params.Channel).
		Int("history", len(st.history)).
		Msg("Agent run started")

	start := time.Now()
	resp, err := driver.Drive(ctx)
	result.Duration = time.Since(start)
	observability.RecordAgentRun(r.provider.Name(), result.Duration, err == nil)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", result.Duration).Msg("Agent run failed")
		return result, fmt.Errorf("stream failed: %w", err)
	}

	result.Content = resp.Text()
	result.FinishReason = resp.FinishReason
	for _, slot := range resp.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        slot.ID,
			Name:      slot.FunctionName,
			Arguments: slot.Arguments,
		})
	}

	turn := []Message{userMsg, {Role: RoleAssistant, Content: result.Content, ToolCalls: result.ToolCalls}}
	for _, tc := range result.ToolCalls {
		turn = append(turn, Message{Role: RoleTool, ToolCallID: tc.ID, Content: toolUnavailable})
	}
	r.sessions.append(st, turn...)

	span.SetAttributes(
		attribute.Int("agent.tool_calls", len(result.ToolCalls)),
		attribute.String("agent.finish_reason", result.FinishReason),
	)
	logger.Info().
		Dur("duration", result.Duration).
		Int("content_len", len(result.Content)).
		Int("tool_calls", len(result.ToolCalls)).
		Str("finish_reason", result.FinishReason).
		Msg("Agent run completed")

	return result, nil
}

func (r *Runner) chunkForwarder(ctx context.Context, params RunParams) func(stream.Delta) {
	if r.replies == nil {
		return nil
	}
	return func(d stream.Delta) {
		chunk := channels.Chunk{
			Channel:    params.Channel,
			SessionKey: params.SessionKey,
			TaskID:     params.TaskID,
			Metadata:   params.Metadata,
		}
		switch {
		case d.Kind == stream.DeltaContent && d.Text != "":
			chunk.Text = d.Text
		case d.Kind == stream.DeltaRetry:
			chunk.Reset = true
		default:
			return
		}
		err := r.replies.DeliverChunk(ctx, chunk)
		if err != nil && !errors.Is(err, channels.ErrNoResponder) {
			r.logger.Debug().Err(err).Str("task_id", params.TaskID).Msg("Failed to deliver chunk")
		}
	}
}
