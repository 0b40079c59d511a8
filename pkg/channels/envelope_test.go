package channels

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ranya-runtime/pkg/scheduler"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{name: "minimal", raw: `{"prompt":"hi"}`},
		{name: "full", raw: `{"task_id":"a1","session":"s","prompt":"hi","metadata":{"k":"v"}}`},
		{name: "missing prompt", raw: `{"session":"s"}`, wantErr: "prompt"},
		{name: "blank prompt", raw: `{"prompt":"   "}`, wantErr: "invalid envelope"},
		{name: "unknown field", raw: `{"prompt":"hi","extra":1}`, wantErr: "invalid envelope"},
		{name: "non-string metadata", raw: `{"prompt":"hi","metadata":{"k":1}}`, wantErr: "invalid envelope"},
		{name: "not json", raw: `prompt=hi`, wantErr: "invalid envelope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "hi", env.Prompt)
		})
	}
}

func TestDecodeTaskPayload(t *testing.T) {
	env := DecodeTaskPayload([]byte(`{"session":"ops","prompt":"status"}`))
	assert.Equal(t, "ops", env.Session)
	assert.Equal(t, "status", env.Prompt)

	env = DecodeTaskPayload([]byte("  just text\n"))
	assert.Equal(t, "", env.Session)
	assert.Equal(t, "just text", env.Prompt)

	// JSON without a prompt is treated as text
	env = DecodeTaskPayload([]byte(`{"foo":1}`))
	assert.Equal(t, `{"foo":1}`, env.Prompt)
}

type recordingSubmitter struct {
	tasks []scheduler.Task
	err   error
}

func (s *recordingSubmitter) SubmitTask(id string, payload []byte, source string, opts ...scheduler.SubmitOption) (scheduler.Task, error) {
	if s.err != nil {
		return scheduler.Task{}, s.err
	}
	task := scheduler.Task{ID: id, Payload: payload, Source: source, Seq: uint64(len(s.tasks) + 1)}
	if task.ID == "" {
		task.ID = "generated"
	}
	for _, opt := range opts {
		opt(&task)
	}
	s.tasks = append(s.tasks, task)
	return task, nil
}

func TestSubmitDispatch(t *testing.T) {
	sub := &recordingSubmitter{}
	dispatch := SubmitDispatch(sub)

	receipt, err := dispatch(context.Background(), InboundMessage{
		Channel:    "webhook",
		SessionKey: "user-1",
		Content:    "hello",
		Metadata:   map[string]string{"ip": "127.0.0.1"},
	})
	require.NoError(t, err)
	assert.Equal(t, Receipt{TaskID: "generated", Seq: 1}, receipt)

	require.Len(t, sub.tasks, 1)
	task := sub.tasks[0]
	assert.Equal(t, "webhook", task.Source)
	assert.Equal(t, "user-1", task.Meta[MetaSession])
	assert.Equal(t, "127.0.0.1", task.Meta["ip"])

	var env Envelope
	require.NoError(t, json.Unmarshal(task.Payload, &env))
	assert.Equal(t, "hello", env.Prompt)
	assert.Equal(t, "user-1", env.Session)

	_, err = dispatch(context.Background(), InboundMessage{Channel: "webhook", Content: "  "})
	assert.Error(t, err)

	sub.err = scheduler.ErrShuttingDown
	_, err = dispatch(context.Background(), InboundMessage{Channel: "webhook", Content: "late"})
	assert.ErrorIs(t, err, scheduler.ErrShuttingDown)
}
