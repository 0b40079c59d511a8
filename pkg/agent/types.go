package agent

import (
	"time"
)

// Roles used in conversation history.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a message in the conversation
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall represents a tool invocation requested by the model. Arguments
// is the raw JSON text as streamed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Request contains the parameters of one streaming completion.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// RunParams describes one agent turn.
type RunParams struct {
	TaskID     string
	SessionKey string
	Channel    string
	Prompt     string
	Metadata   map[string]string
}

// Result contains output from one agent turn
type Result struct {
	TaskID       string        `json:"task_id"`
	SessionKey   string        `json:"session_key"`
	Content      string        `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FinishReason string        `json:"finish_reason,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// TimerPayload is the scheduled-event payload for configured timers.
type TimerPayload struct {
	Name    string `json:"name"`
	Session string `json:"session"`
	Prompt  string `json:"prompt"`
}

// toolUnavailable is recorded as the result of every requested tool call so
// the history stays acceptable to the provider.
const toolUnavailable = "tool execution is not available in this runtime"
