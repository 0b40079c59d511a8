package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/tidwall/sjson"

	"github.com/harun/ranya-runtime/pkg/retry"
)

const maxErrorBody = 4 << 10

// OpenAIOptions configures an OpenAI-compatible streaming provider.
type OpenAIOptions struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string // empty for servers without auth
	// HTTPClient defaults to NewHTTPClient(Timeout).
	HTTPClient *http.Client
	Timeout    time.Duration
}

// OpenAIProvider streams chat completions from any endpoint speaking the
// OpenAI chat completions protocol.
type OpenAIProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(opts OpenAIOptions) (*OpenAIProvider, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		return nil, fmt.Errorf("base url is required")
	}
	client := opts.HTTPClient
	if client == nil {
		client = NewHTTPClient(opts.Timeout)
	}
	return &OpenAIProvider{
		endpoint: base + "/chat/completions",
		apiKey:   opts.APIKey,
		client:   client,
	}, nil
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// OpenStream posts the request and returns the SSE body. 408, 429 and 5xx
// responses and transport failures are retryable; other statuses are
// permanent.
func (p *OpenAIProvider) OpenStream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := buildRequestBody(req)
	if err != nil {
		return nil, retry.Permanent(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, retry.Permanent(err)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if statusErr.Retryable() {
			return nil, statusErr
		}
		return nil, retry.Permanent(statusErr)
	}

	return resp.Body, nil
}

// buildRequestBody encodes req with the openai-go parameter types, then
// switches the body to streaming mode.
func buildRequestBody(req Request) ([]byte, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				assistant.Content.OfString = openai.String(msg.Content)
			}
			messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			return nil, fmt.Errorf("unknown message role %q", msg.Role)
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream", true); err != nil {
		return nil, fmt.Errorf("failed to enable streaming: %w", err)
	}
	if body, err = sjson.SetBytes(body, "stream_options.include_usage", true); err != nil {
		return nil, fmt.Errorf("failed to set stream options: %w", err)
	}
	return body, nil
}
