package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"time"

	"github.com/harun/ranya-runtime/internal/tracing"
	"github.com/harun/ranya-runtime/pkg/channels"
	"github.com/harun/ranya-runtime/pkg/scheduler"
)

// MetaClientID is the task metadata key naming the submitting client.
const MetaClientID = "client_id"

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("task.submit", s.handleTaskSubmit)
	_ = s.router.RegisterMethod("server.stats", s.handleServerStats)
	_ = s.router.RegisterMethod("gateway.clients", s.handleClients)
	_ = s.router.RegisterMethod("ping", func(context.Context, *Client, json.RawMessage) (interface{}, error) {
		return map[string]interface{}{"pong": time.Now().UnixMilli()}, nil
	})
}

// handleTaskSubmit queues a task envelope. Replies and chunks for the task
// are pushed back to the submitting client as events.
func (s *Server) handleTaskSubmit(ctx context.Context, client *Client, params json.RawMessage) (interface{}, error) {
	if len(params) == 0 {
		return nil, &RPCError{Code: InvalidParams, Message: "params are required"}
	}
	env, err := channels.ParseEnvelope(params)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: err.Error()}
	}

	msg := env.Message(ChannelName)
	if msg.SessionKey == "" {
		msg.SessionKey = ChannelName + ":" + client.ID
	}
	msg.Metadata = maps.Clone(msg.Metadata)
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 2)
	}
	msg.Metadata[MetaClientID] = client.ID
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		msg.Metadata["trace_id"] = traceID
	}

	receipt, err := s.dispatch(ctx, msg)
	if err != nil {
		if errors.Is(err, scheduler.ErrShuttingDown) {
			return nil, &RPCError{Code: ServerShuttingDown, Message: err.Error()}
		}
		return nil, err
	}

	s.logger.Info().
		Str("clientId", client.ID).
		Str("task_id", receipt.TaskID).
		Uint64("seq", receipt.Seq).
		Msg("Task accepted")

	return receipt, nil
}

func (s *Server) handleServerStats(context.Context, *Client, json.RawMessage) (interface{}, error) {
	result := map[string]interface{}{
		"clients": s.clients.Count(),
		"uptime":  time.Since(s.startTime).Seconds(),
		"methods": s.router.GetMethods(),
	}
	if s.options.Stats != nil {
		result["scheduler"] = s.options.Stats()
	}
	return result, nil
}

func (s *Server) handleClients(context.Context, *Client, json.RawMessage) (interface{}, error) {
	return s.clients.Infos(), nil
}
