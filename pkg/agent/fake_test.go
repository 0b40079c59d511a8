package agent

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/harun/ranya-runtime/pkg/channels"
)

// sseBody renders content pieces as a complete chat completion stream.
func sseBody(pieces ...string) string {
	var b strings.Builder
	for _, p := range pieces {
		chunk, _ := json.Marshal(map[string]interface{}{
			"choices": []interface{}{map[string]interface{}{"delta": map[string]interface{}{"content": p}}},
		})
		b.WriteString("data: ")
		b.Write(chunk)
		b.WriteString("\n\n")
	}
	b.WriteString("data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

const toolCallBody = "data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"id\":\"call_1\",\"function\":{\"name\":\"lookup\",\"arguments\":\"{\\\"q\\\":\"}}]}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"tool_calls\":[{\"index\":0,\"function\":{\"arguments\":\"\\\"go\\\"}\"}}]}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"tool_calls\"}]}\n\n" +
	"data: [DONE]\n\n"

// scriptedProvider replays bodies in order; errs[i], when set, fails call i.
type scriptedProvider struct {
	mu       sync.Mutex
	bodies   []string
	errs     []error
	requests []Request
	block    chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) OpenStream(_ context.Context, req Request) (io.ReadCloser, error) {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := len(p.requests)
	p.requests = append(p.requests, req)
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	body := p.bodies[min(i, len(p.bodies)-1)]
	return io.NopCloser(strings.NewReader(body)), nil
}

func (p *scriptedProvider) calls() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

type recordingSink struct {
	mu      sync.Mutex
	replies []channels.Reply
	chunks  []channels.Chunk
	err     error
}

func (s *recordingSink) Deliver(_ context.Context, reply channels.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	return s.err
}

func (s *recordingSink) DeliverChunk(_ context.Context, chunk channels.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
	return nil
}

func (s *recordingSink) snapshot() ([]channels.Reply, []channels.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]channels.Reply(nil), s.replies...), append([]channels.Chunk(nil), s.chunks...)
}
