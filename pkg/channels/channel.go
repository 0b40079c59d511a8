package channels

import (
	"context"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel    string
	SessionKey string
	Content    string
	// TaskID is an optional producer-supplied id; empty lets the scheduler
	// assign one.
	TaskID   string
	Metadata map[string]string
}

// Receipt acknowledges a dispatched message.
type Receipt struct {
	TaskID string `json:"task_id"`
	Seq    uint64 `json:"seq"`
}

// Reply is the final result of a task, routed back to its origin channel.
type Reply struct {
	Channel    string            `json:"channel"`
	SessionKey string            `json:"session"`
	TaskID     string            `json:"task_id"`
	Content    string            `json:"content"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Chunk is a piece of streamed reply text. A chunk with Reset set carries no
// text: the stream restarted and text delivered earlier for the task will be
// sent again.
type Chunk struct {
	Channel    string
	SessionKey string
	TaskID     string
	Text       string
	Reset      bool
	Metadata   map[string]string
}

// DispatchFunc routes an inbound channel message into the task queue.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (Receipt, error)

// Channel is a channel runtime abstraction (telegram, gateway, webhook, ...).
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
}

// Responder is implemented by channels that can deliver replies.
type Responder interface {
	Deliver(ctx context.Context, reply Reply) error
}

// ChunkReceiver is implemented by channels that stream partial replies.
type ChunkReceiver interface {
	DeliverChunk(ctx context.Context, chunk Chunk) error
}
