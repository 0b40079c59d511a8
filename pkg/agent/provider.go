package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Provider opens streaming completions. The returned body is an SSE byte
// stream. Errors wrapped with retry.Permanent must not be retried.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// StatusError is a non-2xx response from the completion endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("completion endpoint returned %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}
