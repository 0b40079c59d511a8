package tracing

import (
	"context"

	"github.com/google/uuid"
)

// Fields are the correlation ids carried through a task. Empty fields are
// unset.
type Fields struct {
	TraceID    string
	RunID      string
	TaskID     string
	SessionKey string
}

type fieldsKey struct{}

// FromContext returns the ids stored in ctx, or the zero Fields.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func withFields(ctx context.Context, update func(*Fields)) context.Context {
	f := FromContext(ctx)
	update(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func NewTraceID() string { return uuid.NewString() }
func NewRunID() string   { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *Fields) { f.TraceID = id })
}

func WithRunID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *Fields) { f.RunID = id })
}

func WithTaskID(ctx context.Context, id string) context.Context {
	return withFields(ctx, func(f *Fields) { f.TaskID = id })
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return withFields(ctx, func(f *Fields) { f.SessionKey = key })
}

func GetTraceID(ctx context.Context) string { return FromContext(ctx).TraceID }
func GetRunID(ctx context.Context) string   { return FromContext(ctx).RunID }
func GetTaskID(ctx context.Context) string  { return FromContext(ctx).TaskID }

// NewRequestContext starts a fresh trace for an inbound request.
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}
