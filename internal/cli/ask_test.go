package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/harun/ranya-runtime/pkg/channels"
)

const helloStream = "data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\" world\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
	"data: [DONE]\n\n"

type completionServer struct {
	*httptest.Server
	mu     sync.Mutex
	bodies [][]byte
}

// newCompletionServer answers request i with replies[i], repeating the last
// one once they run out.
func newCompletionServer(t *testing.T, status int, replies ...string) *completionServer {
	t.Helper()
	s := &completionServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.bodies = append(s.bodies, data)
		n := len(s.bodies)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, replies[min(n, len(replies))-1])
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *completionServer) requests() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.bodies...)
}

func askConfig(t *testing.T, baseURL string) string {
	return askConfigAttempts(t, baseURL, 1)
}

func askConfigAttempts(t *testing.T, baseURL string, attempts int) string {
	return writeConfig(t, map[string]any{
		"stream": map[string]any{
			"base_url":        baseURL,
			"api_key":         "sk-test",
			"model":           "test-model",
			"max_attempts":    attempts,
			"base_backoff_ms": 1,
		},
	})
}

func TestAskCommand_StreamsReply(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, helloStream)

	out, err := execute(t, "", "--config", askConfig(t, srv.URL), "ask", "say", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world\n", out)

	reqs := srv.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", gjson.GetBytes(reqs[0], "model").String())
	assert.True(t, gjson.GetBytes(reqs[0], "stream").Bool())
	assert.Equal(t, "say hello", gjson.GetBytes(reqs[0], "messages.#(role==\"user\").content").String())
}

func TestAskCommand_RetriedStreamIsMarked(t *testing.T) {
	partial := "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n"
	srv := newCompletionServer(t, http.StatusOK, partial, helloStream)

	out, err := execute(t, "", "--config", askConfigAttempts(t, srv.URL, 2), "ask", "say", "hello")
	require.NoError(t, err)
	assert.Equal(t, "Hel"+streamRestarted+"Hello world\n", out)
	assert.Len(t, srv.requests(), 2)
}

func TestEchoSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &echoSink{out: &buf}
	ctx := context.Background()

	require.NoError(t, sink.DeliverChunk(ctx, channels.Chunk{Reset: true}))
	assert.Empty(t, buf.String(), "nothing to mark before any text")

	require.NoError(t, sink.DeliverChunk(ctx, channels.Chunk{Text: "par"}))
	require.NoError(t, sink.DeliverChunk(ctx, channels.Chunk{Reset: true}))
	require.NoError(t, sink.DeliverChunk(ctx, channels.Chunk{Reset: true}))
	require.NoError(t, sink.DeliverChunk(ctx, channels.Chunk{Text: "partial"}))
	assert.Equal(t, "par"+streamRestarted+"partial", buf.String())
}

func TestAskCommand_PromptFromStdin(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, helloStream)

	out, err := execute(t, "from stdin", "--config", askConfig(t, srv.URL), "ask", "--json")
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "Hello world", result["content"])
	assert.Equal(t, "cli", result["session_key"])
	assert.Equal(t, "stop", result["finish_reason"])

	assert.Equal(t, "from stdin", gjson.GetBytes(srv.requests()[0], "messages.#(role==\"user\").content").String())
}

func TestAskCommand_EmptyPrompt(t *testing.T) {
	srv := newCompletionServer(t, http.StatusOK, helloStream)

	_, err := execute(t, "   ", "--config", askConfig(t, srv.URL), "ask")
	assert.ErrorContains(t, err, "prompt is empty")
	assert.Empty(t, srv.requests())
}

func TestAskCommand_ProviderError(t *testing.T) {
	srv := newCompletionServer(t, http.StatusUnauthorized, `{"error":"bad key"}`)

	_, err := execute(t, "", "--config", askConfig(t, srv.URL), "ask", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Len(t, srv.requests(), 1)
}
