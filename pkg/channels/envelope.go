package channels

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// Envelope is the JSON task payload accepted by the structured ingress lanes
// (webhook, gateway, redis) and stored as the task payload for every lane.
type Envelope struct {
	TaskID   string            `json:"task_id,omitempty"`
	Session  string            `json:"session,omitempty"`
	Prompt   string            `json:"prompt"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var envelopeSchema = map[string]interface{}{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"prompt"},
	"properties": map[string]interface{}{
		"task_id": map[string]interface{}{"type": "string", "maxLength": 128},
		"session": map[string]interface{}{"type": "string", "maxLength": 256},
		"prompt":  map[string]interface{}{"type": "string", "minLength": 1, "pattern": `\S`},
		"metadata": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": map[string]interface{}{"type": "string"},
		},
	},
}

var compiledEnvelopeSchema = sync.OnceValues(func() (*gojsonschema.Schema, error) {
	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(envelopeSchema))
})

// ParseEnvelope validates raw against the envelope schema and decodes it.
func ParseEnvelope(raw []byte) (Envelope, error) {
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to compile envelope schema: %w", err)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, e.String())
		}
		return Envelope{}, fmt.Errorf("invalid envelope: %s", strings.Join(errs, "; "))
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	return env, nil
}

// DecodeTaskPayload reads a task payload. Payloads that are not a valid
// envelope are treated as a plain-text prompt.
func DecodeTaskPayload(payload []byte) Envelope {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err == nil && strings.TrimSpace(env.Prompt) != "" {
		return env
	}
	return Envelope{Prompt: strings.TrimSpace(string(payload))}
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Message converts the envelope into an inbound message for channel.
func (e Envelope) Message(channel string) InboundMessage {
	return InboundMessage{
		Channel:    channel,
		SessionKey: e.Session,
		Content:    e.Prompt,
		TaskID:     e.TaskID,
		Metadata:   e.Metadata,
	}
}
