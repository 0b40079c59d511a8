package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/harun/ranya-runtime/internal/observability"
	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/scheduler"
)

// ChannelName is the channel name used for gateway tasks.
const ChannelName = "gateway"

// Options configures the gateway server.
type Options struct {
	Host string // default "127.0.0.1"
	Port int    // 0 picks a free port

	// SharedSecret enables authentication; empty admits every client.
	SharedSecret string

	RequestsPerMinute int           // per client, default 120
	PingInterval      time.Duration // default 30s, negative disables pings
	MaxMessageBytes   int64         // default 1 MiB

	// Stats, when set, is reported by the server.stats method.
	Stats func() scheduler.Stats

	Logger *zerolog.Logger
}

// Server is the WebSocket ingress channel. Clients submit tasks over
// JSON-RPC and receive streamed chunks and final replies as events.
type Server struct {
	options     Options
	server      *http.Server
	listener    net.Listener
	upgrader    websocket.Upgrader
	clients     *ClientRegistry
	router      *RPCRouter
	authHandler *AuthHandler
	dispatch    channels.DispatchFunc
	logger      zerolog.Logger
	startTime   time.Time
	seq         atomic.Int64

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
	clientsWG      sync.WaitGroup
	serveDone      chan struct{}
}

// NewServer creates a new gateway server
func NewServer(opts Options) *Server {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.RequestsPerMinute == 0 {
		opts.RequestsPerMinute = 120
	}
	if opts.PingInterval == 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 1 << 20
	}
	base := log.Logger
	if opts.Logger != nil {
		base = *opts.Logger
	}

	s := &Server{
		options:     opts,
		clients:     NewClientRegistry(),
		router:      NewRPCRouter(),
		authHandler: NewAuthHandler(opts.SharedSecret),
		logger:      base.With().Str("component", "gateway").Logger(),
		startTime:   time.Now(),
		upgrader: websocket.Upgrader{
			// Clients are CLIs and services rather than browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	s.registerBuiltinMethods()

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
		return fmt.Errorf("failed to start gateway server: %w", err)
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
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Gateway server started")
	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Handler returns the HTTP handler serving /ws, /healthz and /metrics.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Stop notifies clients, waits for in-flight requests, then closes every
// connection and the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	s.Broadcast(EventShutdown, map[string]interface{}{
		"message": "Server is shutting down",
	})

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

	for _, client := range s.clients.Snapshot(false) {
		client.writeMu.Lock()
		_ = client.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
			time.Now().Add(time.Second))
		client.writeMu.Unlock()
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown gateway server: %w", err)
	}
	<-s.serveDone

	clientsDone := make(chan struct{})
	go func() {
		s.clientsWG.Wait()
		close(clientsDone)
	}()
	select {
	case <-clientsDone:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Deliver sends the final reply to the client that submitted the task.
func (s *Server) Deliver(_ context.Context, reply channels.Reply) error {
	client, err := s.clientFor(reply.Metadata)
	if err != nil {
		return err
	}
	data := map[string]interface{}{"content": reply.Content}
	if reply.Error != "" {
		data["error"] = reply.Error
	}
	return s.send(client, EventMessage{
		Event:   EventReply,
		TaskID:  reply.TaskID,
		Session: reply.SessionKey,
		Data:    data,
	})
}

// DeliverChunk forwards streamed text to the submitting client. A restarted
// stream is sent as a chunk event with "reset": true.
func (s *Server) DeliverChunk(_ context.Context, chunk channels.Chunk) error {
	client, err := s.clientFor(chunk.Metadata)
	if err != nil {
		return err
	}
	data := map[string]interface{}{"text": chunk.Text}
	if chunk.Reset {
		data["reset"] = true
	}
	return s.send(client, EventMessage{
		Event:   EventChunk,
		TaskID:  chunk.TaskID,
		Session: chunk.SessionKey,
		Data:    data,
	})
}

// Broadcast sends an event to all authenticated clients
func (s *Server) Broadcast(event string, data interface{}) {
	for _, client := range s.clients.Snapshot(true) {
		if err := s.send(client, EventMessage{Event: event, Data: data}); err != nil {
			s.logger.Debug().Err(err).Str("clientId", client.ID).Str("event", event).Msg("Failed to send event")
		}
	}
}

// RegisterMethod registers an additional RPC method.
func (s *Server) RegisterMethod(name string, handler RequestHandler) error {
	return s.router.RegisterMethod(name, handler)
}

// GetConnectedClients returns information about all connected clients
func (s *Server) GetConnectedClients() []ClientInfo {
	return s.clients.Infos()
}

func (s *Server) clientFor(meta map[string]string) (*Client, error) {
	clientID := meta[MetaClientID]
	if clientID == "" {
		return nil, fmt.Errorf("gateway reply has no client id")
	}
	client, ok := s.clients.Get(clientID)
	if !ok {
		return nil, fmt.Errorf("gateway client %s is not connected", clientID)
	}
	return client, nil
}

func (s *Server) send(client *Client, msg EventMessage) error {
	msg.Type = "event"
	msg.Seq = s.seq.Add(1)
	msg.Timestamp = time.Now().UnixMilli()
	if err := client.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to send %s to client %s: %w", msg.Event, client.ID, err)
	}
	return nil
}

// handleWebSocket upgrades the connection and runs the client's read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.clientsWG.Add(1)
	s.shutdownMu.RUnlock()
	defer s.clientsWG.Done()

	preAuthorized := s.authHandler.VerifyRequest(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.options.RequestsPerMinute),
		lastActivity: now,
		state:        StateConnecting,
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	if preAuthorized {
		client.markAuthenticated()
		err = s.send(client, EventMessage{
			Event: EventConnected,
			Data:  map[string]interface{}{"client_id": clientID},
		})
	} else {
		var challenge AuthChallenge
		challenge, err = s.authHandler.IssueChallenge(client)
		if err == nil {
			err = client.WriteJSON(challenge)
		}
	}
	if err != nil {
		s.logger.Error().Err(err).Str("clientId", clientID).Msg("Failed to greet client")
		conn.Close()
		s.clients.Remove(client)
		return
	}

	s.handleClient(client)
}

// handleClient reads frames until the connection closes. Requests from one
// client are handled in order, so their tasks are queued in send order.
func (s *Server) handleClient(client *Client) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		client.setState(StateDisconnected)
		client.Conn.Close()
		s.clients.Remove(client)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	client.Conn.SetReadLimit(s.options.MaxMessageBytes)
	if s.options.PingInterval > 0 {
		wait := 2 * s.options.PingInterval
		_ = client.Conn.SetReadDeadline(time.Now().Add(wait))
		client.Conn.SetPongHandler(func(string) error {
			return client.Conn.SetReadDeadline(time.Now().Add(wait))
		})
		go s.pingLoop(client, stopPing)
	}

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		client.touch()
		if s.options.PingInterval > 0 {
			_ = client.Conn.SetReadDeadline(time.Now().Add(2 * s.options.PingInterval))
		}

		if !s.handleMessage(client, message) {
			return
		}
	}
}

func (s *Server) pingLoop(client *Client, stop <-chan struct{}) {
	ticker := time.NewTicker(s.options.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			client.writeMu.Lock()
			err := client.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			client.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// handleMessage handles a single frame. It returns false when the
// connection should be closed.
func (s *Server) handleMessage(client *Client, message []byte) bool {
	var authResp AuthResponse
	if err := json.Unmarshal(message, &authResp); err == nil && authResp.Method == "auth.response" {
		return s.handleAuthMessage(client, authResp)
	}

	if !client.Authenticated() {
		s.sendError(client, "", AuthenticationRequired, "Authentication required")
		return true
	}

	req, err := s.router.ParseRequest(message)
	if err != nil {
		if rpcErr, ok := err.(*RPCError); ok {
			s.sendError(client, "", rpcErr.Code, rpcErr.Message)
		} else {
			s.sendError(client, "", ParseError, err.Error())
		}
		return true
	}

	if !client.RateLimiter.Allow() {
		s.sendError(client, req.ID, RateLimitExceeded, "rate limit exceeded")
		return true
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		s.sendError(client, req.ID, ServerShuttingDown, "server is shutting down")
		return true
	}
	s.inFlightReqs.Add(1)
	s.shutdownMu.RUnlock()
	defer s.inFlightReqs.Done()

	ctx := tracing.NewRequestContext(context.Background())
	response := s.router.RouteRequest(ctx, client, req)
	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Str("requestId", req.ID).
			Msg("Failed to send response")
		return false
	}
	return true
}

func (s *Server) handleAuthMessage(client *Client, authResp AuthResponse) bool {
	result, exhausted := s.authHandler.HandleAuthResponse(client, authResp.Signature)

	if err := client.WriteJSON(result); err != nil {
		s.logger.Error().Err(err).Str("clientId", client.ID).Msg("Failed to send auth result")
		return false
	}

	if !result.Success {
		s.logger.Warn().
			Str("clientId", client.ID).
			Str("reason", result.Message).
			Msg("Authentication failed")
		return !exhausted
	}

	s.logger.Info().Str("clientId", client.ID).Msg("Client authenticated")
	return true
}

func (s *Server) sendError(client *Client, requestID string, code int, message string) {
	response := RPCResponse{
		ID:      requestID,
		JSONRPC: "2.0",
		Error: &RPCError{
			Code:    code,
			Message: message,
		},
	}

	if err := client.WriteJSON(response); err != nil {
		s.logger.Error().
			Err(err).
			Str("clientId", client.ID).
			Msg("Failed to send error response")
	}
}
