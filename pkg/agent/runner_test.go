package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/retry"
	"github.com/harun/ranya-runtime/pkg/scheduler"
)

func noSleep(context.Context, time.Duration) error { return nil }

func newTestRunner(t *testing.T, p Provider, sink ReplySink, maxHistory int) *Runner {
	t.Helper()
	logger := zerolog.Nop()
	r, err := NewRunner(Config{
		Provider:     p,
		Model:        "test-model",
		SystemPrompt: "be brief",
		MaxHistory:   maxHistory,
		Retry:        retry.Policy{MaxAttempts: 3, Base: time.Millisecond, Sleep: noSleep},
		Replies:      sink,
		Logger:       &logger,
	})
	require.NoError(t, err)
	return r
}

func envelopeTask(t *testing.T, id, source string, env channels.Envelope) scheduler.Task {
	t.Helper()
	payload, err := env.Marshal()
	require.NoError(t, err)
	return scheduler.Task{ID: id, Payload: payload, Source: source}
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := NewRunner(Config{Model: "m"})
	assert.ErrorContains(t, err, "provider")

	_, err = NewRunner(Config{Provider: &scriptedProvider{}})
	assert.ErrorContains(t, err, "model")
}

func TestRunner_HandleTaskDeliversReplyAndChunks(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("Hel", "lo")}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)

	task := envelopeTask(t, "t1", "webhook", channels.Envelope{
		Session:  "s1",
		Prompt:   "hi",
		Metadata: map[string]string{"client_id": "c9"},
	})
	require.NoError(t, r.HandleTask(context.Background(), task))

	replies, chunks := sink.snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, channels.Reply{
		Channel:    "webhook",
		SessionKey: "s1",
		TaskID:     "t1",
		Content:    "Hello",
		Metadata:   map[string]string{"client_id": "c9"},
	}, replies[0])

	require.Len(t, chunks, 2)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, "c9", chunks[1].Metadata["client_id"])

	reqs := p.calls()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, "be brief", reqs[0].SystemPrompt)
	assert.Equal(t, []Message{{Role: RoleUser, Content: "hi"}}, reqs[0].Messages)
}

func TestRunner_HistoryCarriesAcrossTurns(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("first"), sseBody("second")}}
	r := newTestRunner(t, p, nil, 0)
	ctx := context.Background()

	_, err := r.Run(ctx, RunParams{TaskID: "a", SessionKey: "s", Prompt: "one"})
	require.NoError(t, err)
	res, err := r.Run(ctx, RunParams{TaskID: "b", SessionKey: "s", Prompt: "two"})
	require.NoError(t, err)
	assert.Equal(t, "second", res.Content)
	assert.Equal(t, "stop", res.FinishReason)

	reqs := p.calls()
	require.Len(t, reqs, 2)
	assert.Equal(t, []Message{
		{Role: RoleUser, Content: "one"},
		{Role: RoleAssistant, Content: "first"},
		{Role: RoleUser, Content: "two"},
	}, reqs[1].Messages)

	assert.Len(t, r.Sessions().History("s"), 4)
	assert.Empty(t, r.Sessions().History("other"))
}

func TestRunner_HistoryIsTrimmed(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("ok")}}
	r := newTestRunner(t, p, nil, 3)

	for i := 0; i < 3; i++ {
		_, err := r.Run(context.Background(), RunParams{SessionKey: "s", Prompt: fmt.Sprintf("q%d", i)})
		require.NoError(t, err)
	}

	history := r.Sessions().History("s")
	require.Len(t, history, 3)
	assert.Equal(t, Message{Role: RoleAssistant, Content: "ok"}, history[0])
	assert.Equal(t, "q2", history[1].Content)
}

func TestRunner_ToolCallsRecorded(t *testing.T) {
	p := &scriptedProvider{bodies: []string{toolCallBody, sseBody("done")}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)
	ctx := context.Background()

	res, err := r.Run(ctx, RunParams{SessionKey: "s", Prompt: "search go"})
	require.NoError(t, err)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_1", Name: "lookup", Arguments: `{"q":"go"}`}, res.ToolCalls[0])
	assert.Equal(t, "tool_calls", res.FinishReason)

	history := r.Sessions().History("s")
	require.Len(t, history, 3)
	assert.Equal(t, RoleTool, history[2].Role)
	assert.Equal(t, "call_1", history[2].ToolCallID)

	require.NoError(t, r.HandleTask(ctx, envelopeTask(t, "t2", "webhook", channels.Envelope{Session: "s2", Prompt: "x"})))
	require.NoError(t, r.HandleTask(ctx, scheduler.Task{ID: "t3", Source: "webhook", Payload: []byte("plain prompt")}))
	replies, _ := sink.snapshot()
	require.Len(t, replies, 2)
	assert.Equal(t, "webhook:t3", replies[1].SessionKey)
}

func TestRunner_ToolCallMetadataOnReply(t *testing.T) {
	p := &scriptedProvider{bodies: []string{toolCallBody}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)

	require.NoError(t, r.HandleTask(context.Background(), envelopeTask(t, "t1", "gateway", channels.Envelope{Prompt: "x"})))
	replies, _ := sink.snapshot()
	require.Len(t, replies, 1)
	assert.JSONEq(t, `[{"id":"call_1","name":"lookup","arguments":"{\"q\":\"go\"}"}]`, replies[0].Metadata["tool_calls"])
}

func TestRunner_RetriesTransientOpenFailures(t *testing.T) {
	p := &scriptedProvider{
		errs:   []error{&StatusError{StatusCode: 503}, errors.New("connection reset")},
		bodies: []string{sseBody("finally")},
	}
	r := newTestRunner(t, p, nil, 0)

	res, err := r.Run(context.Background(), RunParams{SessionKey: "s", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "finally", res.Content)
	assert.Len(t, p.calls(), 3)
}

func TestRunner_RetriedStreamSendsResetChunk(t *testing.T) {
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"
	p := &scriptedProvider{bodies: []string{partial, sseBody("Hel", "lo")}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)

	require.NoError(t, r.HandleTask(context.Background(), envelopeTask(t, "t1", "gateway", channels.Envelope{Session: "s", Prompt: "hi"})))
	assert.Len(t, p.calls(), 2)

	replies, chunks := sink.snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, "Hello", replies[0].Content)

	require.Len(t, chunks, 4)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.True(t, chunks[1].Reset)
	assert.Empty(t, chunks[1].Text)
	assert.Equal(t, "t1", chunks[1].TaskID)
	assert.Equal(t, "Hel", chunks[2].Text)
	assert.Equal(t, "lo", chunks[3].Text)
	assert.False(t, chunks[3].Reset)
}

func TestRunner_FailureRepliesWithError(t *testing.T) {
	p := &scriptedProvider{errs: []error{retry.Permanent(&StatusError{StatusCode: 401, Body: "bad key"})}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)

	err := r.HandleTask(context.Background(), envelopeTask(t, "t1", "webhook", channels.Envelope{Session: "s", Prompt: "hi"}))
	require.Error(t, err)
	assert.Len(t, p.calls(), 1)

	replies, _ := sink.snapshot()
	require.Len(t, replies, 1)
	assert.Contains(t, replies[0].Error, "401")
	assert.Empty(t, r.Sessions().History("s"))
}

func TestRunner_EmptyPrompt(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("x")}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)

	err := r.HandleTask(context.Background(), scheduler.Task{ID: "t", Source: "spool", Payload: []byte("   ")})
	assert.ErrorContains(t, err, "prompt is empty")
	assert.Empty(t, p.calls())
}

func TestRunner_NoResponderIsNotAnError(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("x")}}
	sink := &recordingSink{err: fmt.Errorf("%w: cli", channels.ErrNoResponder)}
	r := newTestRunner(t, p, sink, 0)

	assert.NoError(t, r.HandleTask(context.Background(), scheduler.Task{ID: "t", Source: "cli", Payload: []byte("hi")}))

	sink.err = errors.New("socket closed")
	assert.ErrorContains(t, r.HandleTask(context.Background(), scheduler.Task{ID: "t2", Source: "cli", Payload: []byte("hi")}), "deliver")
}

func TestRunner_HandleEvent(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("report")}}
	sink := &recordingSink{}
	r := newTestRunner(t, p, sink, 0)
	due := time.UnixMilli(1_700_000_000_000)

	err := r.HandleEvent(context.Background(), scheduler.ScheduledEvent{
		ID:      "ev1",
		Name:    "daily",
		Due:     due,
		Payload: TimerPayload{Name: "daily", Session: "ops", Prompt: "summarize"},
	})
	require.NoError(t, err)

	replies, _ := sink.snapshot()
	require.Len(t, replies, 1)
	assert.Equal(t, TimerChannel, replies[0].Channel)
	assert.Equal(t, "ops", replies[0].SessionKey)
	assert.Equal(t, "ev1-1700000000000", replies[0].TaskID)
	assert.Equal(t, "report", replies[0].Content)
	assert.Equal(t, "daily", replies[0].Metadata["timer"])

	err = r.HandleEvent(context.Background(), scheduler.ScheduledEvent{ID: "ev2", Payload: 42})
	assert.ErrorContains(t, err, "unsupported event payload")
}

func TestRunner_SerializesPerSession(t *testing.T) {
	p := &scriptedProvider{bodies: []string{sseBody("ok")}, block: make(chan struct{})}
	r := newTestRunner(t, p, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = r.Run(context.Background(), RunParams{SessionKey: "same", Prompt: fmt.Sprintf("p%d", i)})
		}(i)
	}

	// Only one run reaches the provider until the first is released.
	p.block <- struct{}{}
	p.block <- struct{}{}
	wg.Wait()

	reqs := p.calls()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[0].Messages, 1)
	assert.Len(t, reqs[1].Messages, 3)
}
