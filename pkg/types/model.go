package types

import "github.com/goccy/go-json"

// RenderedMessage is a message after template rendering: plain text only,
// ready for provider wire formats.
type RenderedMessage struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ModelRequest is the canonical provider-facing call. The executor builds
// one per attempt from the variant config, rendered templates, and merged
// generation parameters; adapters translate it to their wire format.
type ModelRequest struct {
	Model    string            `json:"model"`
	System   string            `json:"system,omitempty"`
	Messages []RenderedMessage `json:"messages"`
	Params   GenerationParams  `json:"params"`
	Stream   bool              `json:"stream,omitempty"`

	// JSONMode asks the provider to constrain output to a JSON document.
	// Adapters map it to their native mechanism where one exists.
	JSONMode bool `json:"json_mode,omitempty"`
}

// ModelResponse is a provider completion normalized to canonical form.
type ModelResponse struct {
	Text         string          `json:"text"`
	Usage        Usage           `json:"usage"`
	FinishReason FinishReason    `json:"finish_reason"`
	Raw          json.RawMessage `json:"raw,omitempty"`
}

// ModelChunk is one decoded streaming event from a provider. Done marks
// the provider's end-of-stream signal; Usage and FinishReason arrive on
// or before the final chunk depending on the provider.
type ModelChunk struct {
	Delta        string       `json:"delta,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Done         bool         `json:"-"`
}
