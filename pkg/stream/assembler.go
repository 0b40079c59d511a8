package stream

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/harun/ranya-runtime/internal/observability"
)

// MaxToolCallIndex bounds slot allocation. A payload addressing a higher
// index is rejected as malformed.
const MaxToolCallIndex = 1024

const previewLen = 120

type slot struct {
	id        string
	name      string
	args      []byte
	populated bool
}

func (s *slot) reset() {
	s.id = ""
	s.name = ""
	s.args = s.args[:0]
	s.populated = false
}

// Assembler accumulates deltas for a single stream. It is not safe for
// concurrent use.
type Assembler struct {
	content      []byte
	hasContent   bool
	slots        []slot
	finishReason string
	ended        bool

	onChunk      func(Delta)
	decodeErrors int
	logger       zerolog.Logger
}

// NewAssembler creates an empty assembler.
func NewAssembler(logger zerolog.Logger) *Assembler {
	return &Assembler{
		logger: logger.With().Str("component", "stream_assembler").Logger(),
	}
}

// SetChunkCallback registers fn to be called synchronously for every delta,
// before the delta is applied to the accumulated state.
func (a *Assembler) SetChunkCallback(fn func(Delta)) {
	a.onChunk = fn
}

// OnEvent decodes one payload and applies its deltas. Payloads that fail to
// decode yield no deltas and leave the state untouched.
func (a *Assembler) OnEvent(payload []byte) []Delta {
	if a.ended {
		return nil
	}

	var c chunk
	if err := json.Unmarshal(payload, &c); err != nil {
		a.reject(payload, err)
		return nil
	}
	if err := validate(&c); err != nil {
		a.reject(payload, err)
		return nil
	}

	var deltas []Delta
	for i := range c.Choices {
		ch := &c.Choices[i]

		if ch.Delta.Content != nil {
			a.hasContent = true
			if text := *ch.Delta.Content; text != "" {
				d := Delta{Kind: DeltaContent, Text: text}
				a.emit(d)
				a.content = append(a.content, text...)
				deltas = append(deltas, d)
			}
		}

		for j := range ch.Delta.ToolCalls {
			frag := &ch.Delta.ToolCalls[j]
			tc := &ToolCallDelta{Index: *frag.Index, ID: frag.ID}
			if frag.Function != nil {
				tc.FunctionName = frag.Function.Name
				tc.Arguments = frag.Function.Arguments
			}
			d := Delta{Kind: DeltaToolCall, ToolCall: tc}
			a.emit(d)
			a.applyToolCall(tc)
			deltas = append(deltas, d)
		}

		if ch.FinishReason != nil && *ch.FinishReason != "" {
			a.finishReason = *ch.FinishReason
		}
	}

	return deltas
}

// End marks the stream finished and reports the terminal delta to the chunk
// callback. Payloads passed to OnEvent afterwards are ignored.
func (a *Assembler) End() Delta {
	d := Delta{Kind: DeltaStreamEnd}
	if !a.ended {
		a.ended = true
		a.emit(d)
	}
	return d
}

// Restart tells the chunk callback that attempt is starting over. Call it
// after Reset.
func (a *Assembler) Restart(attempt int) {
	a.emit(Delta{Kind: DeltaRetry, Attempt: attempt})
}

// Ended reports whether End has been called since the last Reset.
func (a *Assembler) Ended() bool {
	return a.ended
}

// FinishReason returns the last non-empty finish_reason seen.
func (a *Assembler) FinishReason() string {
	return a.finishReason
}

func (a *Assembler) emit(d Delta) {
	observability.RecordStreamDelta(d.Kind.String())
	if a.onChunk != nil {
		a.onChunk(d)
	}
}

func (a *Assembler) applyToolCall(tc *ToolCallDelta) {
	s := a.slotAt(tc.Index)
	s.populated = true
	if tc.ID != nil && *tc.ID != "" {
		s.id = *tc.ID
	}
	if tc.FunctionName != nil && *tc.FunctionName != "" {
		s.name = *tc.FunctionName
	}
	if tc.Arguments != nil {
		s.args = append(s.args, *tc.Arguments...)
	}
}

// slotAt grows the slot list densely up to index, reusing slots left over
// from before the last Reset.
func (a *Assembler) slotAt(index int) *slot {
	for len(a.slots) <= index {
		if len(a.slots) < cap(a.slots) {
			a.slots = a.slots[:len(a.slots)+1]
			a.slots[len(a.slots)-1].reset()
			continue
		}
		a.slots = append(a.slots, slot{})
	}
	return &a.slots[index]
}

func (a *Assembler) reject(payload []byte, err error) {
	a.decodeErrors++
	observability.RecordStreamDecodeError()

	preview := payload
	if len(preview) > previewLen {
		preview = preview[:previewLen]
	}
	a.logger.Debug().
		Err(err).
		Int("payload_len", len(payload)).
		Bytes("preview", preview).
		Msg("Skipping malformed stream payload")
}

// DecodeErrors returns the number of payloads skipped since the last Reset.
func (a *Assembler) DecodeErrors() int {
	return a.decodeErrors
}

// Finish returns a snapshot of the accumulated response. It does not clear
// any state and may be called more than once.
func (a *Assembler) Finish() *Response {
	resp := &Response{FinishReason: a.finishReason}

	if a.hasContent {
		text := string(a.content)
		resp.Content = &text
	}

	last := len(a.slots) - 1
	for last >= 0 && !a.slots[last].populated {
		last--
	}
	if last >= 0 {
		resp.ToolCalls = make([]ToolCallSlot, last+1)
		for i := 0; i <= last; i++ {
			s := &a.slots[i]
			resp.ToolCalls[i] = ToolCallSlot{
				Index:        i,
				ID:           s.id,
				FunctionName: s.name,
				Arguments:    string(s.args),
			}
		}
	}

	return resp
}

// Reset clears all accumulated state for a new stream. Buffer capacity is
// kept. The chunk callback stays registered.
func (a *Assembler) Reset() {
	a.content = a.content[:0]
	a.hasContent = false
	a.slots = a.slots[:0]
	a.finishReason = ""
	a.ended = false
	a.decodeErrors = 0
}

// validate checks the parts of a payload the JSON decoder cannot, so that a
// payload is either applied whole or not at all.
func validate(c *chunk) error {
	for i := range c.Choices {
		for j, frag := range c.Choices[i].Delta.ToolCalls {
			if frag.Index == nil {
				return fmt.Errorf("choice %d tool_call %d: missing index", i, j)
			}
			if *frag.Index < 0 || *frag.Index > MaxToolCallIndex {
				return fmt.Errorf("choice %d tool_call %d: index %d out of range", i, j, *frag.Index)
			}
		}
	}
	return nil
}
