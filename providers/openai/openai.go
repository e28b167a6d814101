// Package openai provides the OpenAI chat-completions adapter. It serves as
// the reference implementation for other provider adapters.
package openai

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
	ProviderName = "openai"

	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"
)

// Provider implements the OpenAI API adapter.
type Provider struct {
	apiKey  string
	baseURL string
	headers map[string]string
}

// New creates a new OpenAI provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL: DefaultBaseURL,
		headers: make(map[string]string),
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

// chatRequest is the chat-completions wire format.
type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	Stop           []string        `json:"stop,omitempty"`
	Seed           *int64          `json:"seed,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type responseFormat struct {
	Type string `json:"type"`
}

// chatResponse is the chat-completions success wire format.
type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *chatUsage   `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	Delta        *chatDelta  `json:"delta,omitempty"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

type chatDelta struct {
	Content string `json:"content"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// BuildRequest creates an HTTP request for the OpenAI API.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ModelRequest) (*http.Request, error) {
	chatReq := p.transformRequest(req)

	body, err := json.Marshal(chatReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

func (p *Provider) transformRequest(req *types.ModelRequest) *chatRequest {
	chatReq := &chatRequest{
		Model:       req.Model,
		Temperature: req.Params.Temperature,
		TopP:        req.Params.TopP,
		MaxTokens:   req.Params.MaxTokens,
		Stop:        req.Params.Stop,
		Seed:        req.Params.Seed,
		Stream:      req.Stream,
	}

	if req.Stream {
		// Usage on the final chunk.
		chatReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	if req.System != "" {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		chatReq.Messages = append(chatReq.Messages, chatMessage{Role: string(msg.Role), Content: msg.Text})
	}

	return chatReq
}

// ParseResponse transforms an OpenAI response into the canonical format.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ModelResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, errors.NewMalformedResponse(ProviderName, chatResp.Model, err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, errors.NewMalformedResponse(ProviderName, chatResp.Model, fmt.Errorf("response has no choices"))
	}

	choice := chatResp.Choices[0]
	out := &types.ModelResponse{
		Text:         choice.Message.Content,
		FinishReason: mapFinishReason(choice.FinishReason),
		Raw:          body,
	}
	if chatResp.Usage != nil {
		out.Usage = types.Usage{
			InputTokens:  chatResp.Usage.PromptTokens,
			OutputTokens: chatResp.Usage.CompletionTokens,
		}
	}
	return out, nil
}

func mapFinishReason(reason string) types.FinishReason {
	switch reason {
	case "stop":
		return types.FinishStop
	case "length":
		return types.FinishLength
	case "tool_calls", "function_call":
		return types.FinishToolCall
	case "content_filter":
		return types.FinishContentFilter
	case "":
		return ""
	default:
		return types.FinishUnknown
	}
}

// ParseStreamChunk parses a single SSE chunk from OpenAI.
func (p *Provider) ParseStreamChunk(data []byte) (*types.ModelChunk, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if bytes.HasPrefix(trimmed, []byte("data: ")) {
		trimmed = bytes.TrimPrefix(trimmed, []byte("data: "))
	}

	if bytes.Equal(trimmed, []byte("[DONE]")) {
		return &types.ModelChunk{Done: true}, nil
	}

	var chunk chatResponse
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, errors.NewMalformedResponse(ProviderName, "", fmt.Errorf("unmarshal chunk: %w", err))
	}

	out := &types.ModelChunk{}
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta != nil {
			out.Delta = choice.Delta.Content
		}
		out.FinishReason = mapFinishReason(choice.FinishReason)
	}
	if chunk.Usage != nil {
		out.Usage = &types.Usage{
			InputTokens:  chunk.Usage.PromptTokens,
			OutputTokens: chunk.Usage.CompletionTokens,
		}
	}
	return out, nil
}

// MapError converts an OpenAI error response to a classified error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
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
		// 401/403/404 are gateway credential or config defects, not
		// caller mistakes; other variants may still serve the request.
		return errors.NewProviderUnavailable(ProviderName, "", message)
	}
}
