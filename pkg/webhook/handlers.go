package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/scheduler"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// track rejects requests once shutting down and counts in-flight requests
// so Stop can wait for them.
func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.shutdownMu.RLock()
		if s.isShuttingDown {
			s.shutdownMu.RUnlock()
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.inFlightReqs.Add(1)
		s.shutdownMu.RUnlock()
		defer s.inFlightReqs.Done()

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(tracing.NewRequestContext(r.Context())))

		if r.URL.Path != "/metrics" {
			s.metricsTracker.Track(r.URL.Path, r.Method, rec.status, time.Since(start))
		}
	})
}

// handleTasks accepts a task envelope and queues it.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)

	if s.rateLimiter != nil {
		if ok, retryAfter := s.rateLimiter.Allow(ip); !ok {
			secs := int(math.Ceil(retryAfter.Seconds()))
			s.logger.Warn().
				Str("ip", ip).
				Int("retryAfter", secs).
				Msg("Rate limit exceeded")
			observability.RecordIngress(ChannelName, "rate_limited")
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.options.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if s.options.Secret != "" && !verifySignature(body, r.Header.Get(SignatureHeader), s.options.Secret) {
		s.logger.Warn().Str("ip", ip).Msg("Invalid webhook signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	env, err := channels.ParseEnvelope(body)
	if err != nil {
		observability.RecordIngress(ChannelName, "invalid")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := env.Message(ChannelName)
	msg.Metadata = maps.Clone(msg.Metadata)
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 2)
	}
	msg.Metadata["remote_ip"] = ip
	if traceID := tracing.GetTraceID(r.Context()); traceID != "" {
		msg.Metadata["trace_id"] = traceID
	}

	submit := func() (channels.Receipt, error) {
		return s.dispatch(r.Context(), msg)
	}

	var (
		receipt   channels.Receipt
		duplicate bool
	)
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		key = env.TaskID
	}
	if key != "" {
		receipt, duplicate, err = s.dedup.Do(key, submit)
	} else {
		receipt, err = submit()
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, scheduler.ErrShuttingDown) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error().Err(err).Str("ip", ip).Msg("Failed to queue task")
		writeError(w, status, err.Error())
		return
	}

	status := http.StatusAccepted
	if duplicate {
		status = http.StatusOK
	}

	s.logger.Info().
		Str("ip", ip).
		Str("task_id", receipt.TaskID).
		Uint64("seq", receipt.Seq).
		Bool("duplicate", duplicate).
		Msg("Task accepted")

	writeJSON(w, status, TaskResponse{
		TaskID:    receipt.TaskID,
		Seq:       receipt.Seq,
		Duplicate: duplicate,
	})
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleStats reports scheduler and endpoint statistics
func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		Endpoints:     s.metricsTracker.GetMetrics(),
	}
	if s.options.Stats != nil {
		stats := s.options.Stats()
		resp.Scheduler = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// clientIP returns the TCP peer address. Forwarding headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
