package types

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// FunctionKind selects the output contract of a function.
type FunctionKind string

const (
	// FunctionChat produces assistant content blocks.
	FunctionChat FunctionKind = "chat"

	// FunctionJSON produces a single JSON document.
	FunctionJSON FunctionKind = "json"
)

// FinishReason mirrors the provider's reason for ending generation.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCall      FinishReason = "tool_call"
	FinishContentFilter FinishReason = "content_filter"
	FinishCancelled     FinishReason = "cancelled"
	FinishUnknown       FinishReason = "unknown"
)

// Usage counts tokens consumed by one inference.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates counts from another usage report.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// GenerationParams are the tunable sampling parameters of one call. Nil
// fields mean "inherit": variant config fills them first, caller overrides
// replace whatever they set explicitly.
type GenerationParams struct {
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty" yaml:"stop,omitempty"`
	Seed        *int64   `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Merge returns a copy of p with every field the override sets replaced.
func (p GenerationParams) Merge(override GenerationParams) GenerationParams {
	out := p
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.TopP != nil {
		out.TopP = override.TopP
	}
	if override.MaxTokens != nil {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.Stop) > 0 {
		out.Stop = override.Stop
	}
	if override.Seed != nil {
		out.Seed = override.Seed
	}
	return out
}

// InferenceRequest is one client call to a logical function.
type InferenceRequest struct {
	// FunctionName selects the logical capability to invoke.
	FunctionName string `json:"function_name"`

	// Input carries the structured, role-tagged request body.
	Input Input `json:"input"`

	// EpisodeID correlates related inferences. Nil means the gateway
	// generates a fresh episode id for this request.
	EpisodeID *uuid.UUID `json:"episode_id,omitempty"`

	// VariantName pins a specific variant, bypassing weighted selection.
	VariantName string `json:"variant_name,omitempty"`

	// Stream requests chunked delivery of the response.
	Stream bool `json:"stream,omitempty"`

	// Params override the serving variant's generation parameters.
	Params GenerationParams `json:"params,omitempty"`

	// Tags are attached to the durable inference record.
	Tags map[string]string `json:"tags,omitempty"`

	// Dryrun executes the inference but skips all durable writes.
	Dryrun bool `json:"dryrun,omitempty"`

	// CacheMode overrides the gateway's cache participation for this
	// request: "off", "read_write", "read_only", or "write_only". Empty
	// uses the configured default.
	CacheMode string `json:"cache_mode,omitempty"`
}

// JSONOutput is the result of a JSON function: the raw generated document
// and, when it decodes cleanly, its parsed form.
type JSONOutput struct {
	Raw    string         `json:"raw"`
	Parsed map[string]any `json:"parsed,omitempty"`
}

// InferenceResponse is the terminal result delivered to the caller. Chat
// functions populate Content; JSON functions populate Output.
type InferenceResponse struct {
	InferenceID  uuid.UUID      `json:"inference_id"`
	EpisodeID    uuid.UUID      `json:"episode_id"`
	VariantName  string         `json:"variant_name"`
	Content      []ContentBlock `json:"content,omitempty"`
	Output       *JSONOutput    `json:"output,omitempty"`
	Usage        Usage          `json:"usage"`
	FinishReason FinishReason   `json:"finish_reason,omitempty"`
	Cached       bool           `json:"cached,omitempty"`
}

// Text concatenates the text blocks of a chat response, or returns the raw
// document of a JSON response.
func (r *InferenceResponse) Text() string {
	if r.Output != nil {
		return r.Output.Raw
	}
	var out string
	for _, block := range r.Content {
		if block.Type == BlockText {
			out += block.Text
		}
	}
	return out
}

// InferenceChunk is one element of a streaming response. The final chunk
// carries usage and the finish reason.
type InferenceChunk struct {
	InferenceID  uuid.UUID    `json:"inference_id"`
	EpisodeID    uuid.UUID    `json:"episode_id"`
	VariantName  string       `json:"variant_name"`
	Delta        string       `json:"delta,omitempty"`
	Usage        *Usage       `json:"usage,omitempty"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
}

// ParseJSONOutput builds a JSONOutput from a raw model completion. Parsed
// stays nil when the document is not a JSON object; the raw text is always
// preserved for the durable record.
func ParseJSONOutput(raw string) *JSONOutput {
	out := &JSONOutput{Raw: raw}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		out.Parsed = parsed
	}
	return out
}
