package webhook

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/pkg/channels"
)

// ChannelName is the channel name used for webhook tasks.
const ChannelName = "webhook"

// Server is the HTTP ingress channel. It accepts task envelopes on
// POST /tasks and serves /healthz, /stats and /metrics.
type Server struct {
	options        ServerOptions
	server         *http.Server
	listener       net.Listener
	rateLimiter    *RateLimiter
	dedup          *dedupCache
	metricsTracker *MetricsTracker
	dispatch       channels.DispatchFunc
	logger         zerolog.Logger
	startTime      time.Time
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	serveDone      chan struct{}
}

// NewServer creates a new webhook server
func NewServer(options ServerOptions) *Server {
	// Set defaults
	if options.Host == "" {
		options.Host = "127.0.0.1"
	}
	if options.MaxBodyBytes <= 0 {
		options.MaxBodyBytes = 1 << 20
	}
	base := log.Logger
	if options.Logger != nil {
		base = *options.Logger
	}

	s := &Server{
		options:        options,
		dedup:          newDedupCache(options.IdempotencyTTL),
		metricsTracker: NewMetricsTracker(),
		logger:         base.With().Str("component", "webhook").Logger(),
		startTime:      time.Now(),
	}
	if options.RateLimit > 0 {
		s.rateLimiter = NewRateLimiter(options.RateLimit, options.Burst)
	}
	return s
}

// Name returns channel name.
func (s *Server) Name() string {
	return ChannelName
}

// Start binds the listener and serves in the background.
func (s *Server) Start(_ context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	s.dispatch = dispatch

	addr := net.JoinHostPort(s.options.Host, strconv.Itoa(s.options.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start webhook server: %w", err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.serveDone = make(chan struct{})

	go func() {
		defer close(s.serveDone)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Webhook server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Webhook server started")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks", s.handleTasks)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	return s.track(mux)
}

// Stop refuses new requests, waits for in-flight ones and shuts the HTTP
// server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down webhook server")

	// Wait for in-flight requests
	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	s.dedup.Stop()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown webhook server: %w", err)
	}
	<-s.serveDone

	s.logger.Info().Msg("Webhook server stopped")
	return nil
}

// ShuttingDown reports whether Stop has been called.
func (s *Server) ShuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}
