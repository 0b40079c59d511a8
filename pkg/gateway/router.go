package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

const defaultReplayTTL = 5 * time.Minute

// RequestHandler handles one RPC method call from client.
type RequestHandler func(ctx context.Context, client *Client, params json.RawMessage) (interface{}, error)

// RPCRouter maps JSON-RPC method names to handlers and replays responses
// for requests that carry an idempotency key.
type RPCRouter struct {
	mu      sync.RWMutex
	methods map[string]RequestHandler
	replay  *replayCache
}

func NewRPCRouter() *RPCRouter {
	return &RPCRouter{
		methods: make(map[string]RequestHandler),
		replay:  newReplayCache(defaultReplayTTL),
	}
}

func (r *RPCRouter) RegisterMethod(name string, handler RequestHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	r.mu.Lock()
	r.methods[name] = handler
	r.mu.Unlock()
	return nil
}

func (r *RPCRouter) UnregisterMethod(name string) {
	r.mu.Lock()
	delete(r.methods, name)
	r.mu.Unlock()
}

func (r *RPCRouter) HasMethod(name string) bool {
	_, ok := r.lookup(name)
	return ok
}

// GetMethods returns the registered method names, sorted.
func (r *RPCRouter) GetMethods() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

func (r *RPCRouter) lookup(name string) (RequestHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.methods[name]
	return h, ok
}

// ParseRequest decodes one frame. A missing jsonrpc version defaults to 2.0.
func (r *RPCRouter) ParseRequest(data []byte) (*RPCRequest, error) {
	var req RPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()}
	}
	switch {
	case req.ID == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing id field"}
	case req.Method == "":
		return nil, &RPCError{Code: InvalidRequest, Message: "Invalid request: missing method field"}
	}
	if req.JSONRPC == "" {
		req.JSONRPC = "2.0"
	}
	return &req, nil
}

// RouteRequest invokes the handler for req.Method. Handlers may return an
// *RPCError to pick the code; any other error becomes InternalError.
// Responses to keyed requests, failures included, are replayed until the
// key expires.
func (r *RPCRouter) RouteRequest(ctx context.Context, client *Client, req *RPCRequest) *RPCResponse {
	if req == nil {
		return errorResponse("", &RPCError{Code: InvalidRequest, Message: "invalid request"})
	}

	key := replayKey(client, req.Method, req.IdempotencyKey)
	if key != "" {
		if cached, ok := r.replay.get(key, time.Now()); ok {
			cached.ID = req.ID
			return &cached
		}
	}

	handler, ok := r.lookup(req.Method)
	if !ok {
		return errorResponse(req.ID, &RPCError{
			Code:    MethodNotFound,
			Message: fmt.Sprintf("Method not found: %s", req.Method),
		})
	}

	var resp *RPCResponse
	if result, err := handler(ctx, client, req.Params); err != nil {
		resp = errorResponse(req.ID, asRPCError(err))
	} else {
		resp = &RPCResponse{ID: req.ID, JSONRPC: "2.0", Result: result}
	}

	if key != "" {
		r.replay.put(key, *resp, time.Now())
	}
	return resp
}

func errorResponse(id string, rpcErr *RPCError) *RPCResponse {
	return &RPCResponse{ID: id, JSONRPC: "2.0", Error: rpcErr}
}

func asRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &RPCError{Code: InternalError, Message: err.Error()}
}

// replayKey scopes idempotency keys to one client and method.
func replayKey(client *Client, method, idempotencyKey string) string {
	if idempotencyKey == "" {
		return ""
	}
	clientID := ""
	if client != nil {
		clientID = client.ID
	}
	return clientID + "\x00" + method + "\x00" + idempotencyKey
}

type replayEntry struct {
	resp    RPCResponse
	expires time.Time
}

// replayCache holds recent responses keyed by replayKey. Expired entries
// are swept on every put.
type replayCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]replayEntry
}

func newReplayCache(ttl time.Duration) *replayCache {
	return &replayCache{ttl: ttl, entries: make(map[string]replayEntry)}
}

func (c *replayCache) get(key string, now time.Time) (RPCResponse, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return RPCResponse{}, false
	}
	if now.After(e.expires) {
		delete(c.entries, key)
		return RPCResponse{}, false
	}
	return e.resp.clone(), true
}

func (c *replayCache) put(key string, resp RPCResponse, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = replayEntry{resp: resp.clone(), expires: now.Add(c.ttl)}
}

func (c *replayCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// clone copies the error so a replayed response can be renumbered safely.
func (r RPCResponse) clone() RPCResponse {
	out := r
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}
