package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestInitExportAndShutdown(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, Init(Options{ServiceName: "ranyad-test", Export: true, Output: &out}))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	assert.True(t, Enabled())
	assert.ErrorIs(t, Init(Options{ServiceName: "again"}), ErrAlreadyInitialized)

	ctx, span := StartSpan(context.Background(), "test", "scheduler.dispatch", attribute.String("task.id", "t1"))
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
	span.End()

	require.NoError(t, Shutdown(context.Background()))
	assert.False(t, Enabled())
	assert.Contains(t, out.String(), "scheduler.dispatch")
	assert.Contains(t, out.String(), "ranyad-test")

	// A second cycle is allowed after shutdown.
	require.NoError(t, Init(Options{ServiceName: "ranyad-test"}))
	require.NoError(t, Shutdown(context.Background()))
}

func TestStartSpan_KeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "fixed-trace")
	ctx, span := StartSpan(ctx, "test", "op")
	defer span.End()

	assert.Equal(t, "fixed-trace", GetTraceID(ctx))
}

func TestShutdownWithoutInit(t *testing.T) {
	assert.NoError(t, Shutdown(context.Background()))
}
