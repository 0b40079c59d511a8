package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// NewTaskContext prepares the context a scheduler worker hands to a task
// handler. The trace id is kept (or created) and every handled task gets a
// fresh run id.
func NewTaskContext(ctx context.Context, taskID string) context.Context {
	return withFields(ctx, func(f *Fields) {
		if f.TraceID == "" {
			f.TraceID = NewTraceID()
		}
		f.RunID = NewRunID()
		if taskID != "" {
			f.TaskID = taskID
		}
	})
}

// LoggerFromContext returns base with the context's ids attached.
func LoggerFromContext(ctx context.Context, base zerolog.Logger) zerolog.Logger {
	f := FromContext(ctx)
	lc := base.With()
	for _, kv := range [...]struct{ key, val string }{
		{"trace_id", f.TraceID},
		{"run_id", f.RunID},
		{"task_id", f.TaskID},
		{"session_key", f.SessionKey},
	} {
		if kv.val != "" {
			lc = lc.Str(kv.key, kv.val)
		}
	}
	return lc.Logger()
}
