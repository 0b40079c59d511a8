package webhook

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/ranya-runtime/pkg/scheduler"
)

// Request headers understood by POST /tasks.
const (
	IdempotencyHeader = "Idempotency-Key"
	SignatureHeader   = "X-Webhook-Signature"
)

// TaskResponse is returned by POST /tasks.
type TaskResponse struct {
	TaskID    string `json:"task_id"`
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatsResponse is returned by GET /stats.
type StatsResponse struct {
	UptimeSeconds float64          `json:"uptime_seconds"`
	Scheduler     *scheduler.Stats `json:"scheduler,omitempty"`
	Endpoints     []WebhookMetrics `json:"endpoints"`
}

// WebhookMetrics tracks per-endpoint request metrics
type WebhookMetrics struct {
	Path                string  `json:"path"`
	Method              string  `json:"method"`
	TotalRequests       int64   `json:"totalRequests"`
	SuccessCount        int64   `json:"successCount"`
	FailureCount        int64   `json:"failureCount"`
	AverageResponseTime float64 `json:"averageResponseTime"` // milliseconds
	LastRequestAt       int64   `json:"lastRequestAt,omitempty"`

	StatusCodes map[int]int64 `json:"statusCodes,omitempty"`
}

// ServerOptions configures the webhook server
type ServerOptions struct {
	Host string // default "127.0.0.1"
	Port int    // 0 picks a free port

	// RateLimit is requests per second per client IP; 0 disables limiting.
	RateLimit float64
	Burst     int

	IdempotencyTTL time.Duration // default 5m
	MaxBodyBytes   int64         // default 1 MiB

	// Secret enables HMAC-SHA256 verification of the request body.
	Secret string

	// Stats, when set, is reported under "scheduler" by GET /stats.
	Stats func() scheduler.Stats

	Logger *zerolog.Logger
}
