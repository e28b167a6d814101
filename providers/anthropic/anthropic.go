// Package anthropic provides the Anthropic Claude adapter. It handles
// request/response transformation between the canonical format and
// Anthropic's Messages API.
package anthropic

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/provider"
	"github.com/infermux/infermux/pkg/types"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens applies when the variant sets no limit; the
	// Messages API requires one.
	DefaultMaxTokens = 4096
)

// jsonModeHint steers models without a native JSON output mode.
const jsonModeHint = "Respond with a single valid JSON object and nothing else."

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	headers    map[string]string
}

// New creates a new Anthropic provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		headers:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	p := New(
		WithAPIKey(cfg.APIKey),
		WithBaseURL(cfg.BaseURL),
	)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// anthropicRequest is the Messages API request format.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	System        string             `json:"system,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the Messages API response format.
type anthropicResponse struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Role       string          `json:"role"`
	Content    []contentBlock  `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BuildRequest creates an HTTP request for the Anthropic API.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ModelRequest) (*http.Request, error) {
	anthropicReq := p.transformRequest(req)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/v1/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)

	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

func (p *Provider) transformRequest(req *types.ModelRequest) *anthropicRequest {
	anthropicReq := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   DefaultMaxTokens,
		System:      req.System,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		Stream:      req.Stream,
	}

	if req.Params.MaxTokens != nil && *req.Params.MaxTokens > 0 {
		anthropicReq.MaxTokens = *req.Params.MaxTokens
	}
	if len(req.Params.Stop) > 0 {
		anthropicReq.StopSequences = req.Params.Stop
	}
	if req.JSONMode {
		// No native JSON output mode; steer through the system prompt.
		if anthropicReq.System != "" {
			anthropicReq.System += "\n\n" + jsonModeHint
		} else {
			anthropicReq.System = jsonModeHint
		}
	}

	for _, msg := range req.Messages {
		anthropicReq.Messages = append(anthropicReq.Messages, anthropicMessage{
			Role:    string(msg.Role),
			Content: msg.Text,
		})
	}

	return anthropicReq
}

// ParseResponse transforms an Anthropic response into the canonical format.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ModelResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var anthropicResp anthropicResponse
	if err := json.Unmarshal(body, &anthropicResp); err != nil {
		return nil, errors.NewMalformedResponse(ProviderName, "", err)
	}
	if len(anthropicResp.Content) == 0 && anthropicResp.StopReason == "" {
		return nil, errors.NewMalformedResponse(ProviderName, anthropicResp.Model, fmt.Errorf("response has no content"))
	}

	var text string
	for _, block := range anthropicResp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	out := &types.ModelResponse{
		Text:         text,
		FinishReason: mapStopReason(anthropicResp.StopReason),
		Raw:          body,
	}
	if anthropicResp.Usage != nil {
		out.Usage = types.Usage{
			InputTokens:  anthropicResp.Usage.InputTokens,
			OutputTokens: anthropicResp.Usage.OutputTokens,
		}
	}
	return out, nil
}

func mapStopReason(reason string) types.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return types.FinishStop
	case "max_tokens":
		return types.FinishLength
	case "tool_use":
		return types.FinishToolCall
	case "":
		return ""
	default:
		return types.FinishUnknown
	}
}

// ParseStreamChunk parses a single SSE event from Anthropic.
func (p *Provider) ParseStreamChunk(data []byte) (*types.ModelChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if bytes.HasPrefix(trimmed, []byte("event:")) {
		return nil, nil
	}

	if bytes.HasPrefix(trimmed, []byte("data: ")) {
		trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	}

	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
		Message struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
		Usage *anthropicUsage `json:"usage"`
	}
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, nil
	}

	switch event.Type {
	case "content_block_delta":
		if event.Delta.Type == "text_delta" {
			return &types.ModelChunk{Delta: event.Delta.Text}, nil
		}
		return nil, nil

	case "message_start":
		if event.Message.Usage != nil {
			return &types.ModelChunk{
				Usage: &types.Usage{InputTokens: event.Message.Usage.InputTokens},
			}, nil
		}
		return nil, nil

	case "message_delta":
		chunk := &types.ModelChunk{FinishReason: mapStopReason(event.Delta.StopReason)}
		if event.Usage != nil {
			chunk.Usage = &types.Usage{OutputTokens: event.Usage.OutputTokens}
		}
		if chunk.FinishReason == "" && chunk.Usage == nil {
			return nil, nil
		}
		return chunk, nil

	case "message_stop":
		return &types.ModelChunk{Done: true}, nil
	}

	return nil, nil
}

// MapError converts an Anthropic error response to a classified error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
	}

	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return errors.NewRateLimited(ProviderName, "", message)
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.NewInvalidRequest(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeout(ProviderName, "", message)
	default:
		return errors.NewProviderUnavailable(ProviderName, "", message)
	}
}
