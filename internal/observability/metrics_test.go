package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandlerExposesRecordedSeries(t *testing.T) {
	RecordQueueEnqueue("test-queue", 3)
	RecordQueueDequeue("test-queue", 2)
	RecordDispatch("task", "panic", 5*time.Millisecond)
	RecordStreamDecodeError()
	RecordRetryAttempt("stream", "retry")

	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `queue_size{queue="test-queue"} 2`)
	assert.Contains(t, text, `scheduler_dispatch_total{kind="task",status="panic"}`)
	assert.Contains(t, text, "stream_decode_errors_total")
	assert.Contains(t, text, `retry_attempts_total{operation="stream",outcome="retry"}`)
}

func TestEnsureRegisteredIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		EnsureRegistered()
		EnsureRegistered()
	})
}
