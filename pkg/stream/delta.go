package stream

// DeltaKind tags a Delta.
type DeltaKind int

const (
	DeltaContent DeltaKind = iota + 1
	DeltaToolCall
	DeltaStreamEnd
	// DeltaRetry opens a new attempt. Deltas delivered before it came from an
	// attempt that failed and are superseded by what follows.
	DeltaRetry
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaContent:
		return "content"
	case DeltaToolCall:
		return "tool_call"
	case DeltaStreamEnd:
		return "stream_end"
	case DeltaRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Delta is one incremental update extracted from a stream payload.
type Delta struct {
	Kind DeltaKind
	// Text is set for DeltaContent.
	Text string
	// ToolCall is set for DeltaToolCall.
	ToolCall *ToolCallDelta
	// Attempt is the 1-based attempt number, set for DeltaRetry.
	Attempt int
}

// ToolCallDelta is a fragment of one tool invocation. Nil fields were absent
// from the payload, which is different from being present and empty.
type ToolCallDelta struct {
	Index        int
	ID           *string
	FunctionName *string
	Arguments    *string
}

// ToolCallSlot is the accumulated state of one tool invocation.
type ToolCallSlot struct {
	Index        int    `json:"index"`
	ID           string `json:"id,omitempty"`
	FunctionName string `json:"function_name,omitempty"`
	Arguments    string `json:"arguments"`
}

// Response is the aggregated result of one stream.
type Response struct {
	// Content is nil when no content fragment was ever seen.
	Content *string `json:"content"`
	// ToolCalls is nil when no tool-call fragment was ever seen.
	ToolCalls    []ToolCallSlot `json:"tool_calls,omitempty"`
	FinishReason string         `json:"finish_reason,omitempty"`
}

// Text returns the content or "" when there was none.
func (r *Response) Text() string {
	if r == nil || r.Content == nil {
		return ""
	}
	return *r.Content
}

// HasToolCalls reports whether the model asked for any tool invocation.
func (r *Response) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// wire shapes of one "data:" payload
type chunk struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Delta        delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type delta struct {
	Content   *string            `json:"content"`
	ToolCalls []toolCallFragment `json:"tool_calls"`
}

type toolCallFragment struct {
	Index    *int              `json:"index"`
	ID       *string           `json:"id"`
	Function *functionFragment `json:"function"`
}

type functionFragment struct {
	Name      *string `json:"name"`
	Arguments *string `json:"arguments"`
}
