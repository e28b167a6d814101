// Package dummy provides a scripted provider for tests and local
// development. Behavior is keyed by model name: fixed text, canned JSON,
// injected failures, artificial latency. Handler serves the matching wire
// protocol so the full HTTP path stays exercised.
package dummy

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
	ProviderName = "dummy"

	// Scripted model names.
	ModelGood       = "good"
	ModelJSON       = "json"
	ModelEcho       = "echo"
	ModelError      = "error"
	ModelRateLimit  = "rate_limit"
	ModelBadRequest = "bad_request"
	ModelFlaky      = "flaky"
	ModelSlow       = "slow"

	// GoodText is the deterministic completion of the "good" model.
	GoodText = "Cumulus clouds gather over the bay before noon."

	// JSONText is the deterministic completion of the "json" model.
	JSONText = `{"answer":42}`
)

// FixedUsage is reported by every successful dummy completion.
var FixedUsage = types.Usage{InputTokens: 10, OutputTokens: 5}

// Provider implements the dummy wire protocol adapter.
type Provider struct {
	apiKey  string
	baseURL string
	headers map[string]string
}

// Option configures the dummy provider.
type Option func(*Provider)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(p *Provider) {
		p.apiKey = key
	}
}

// WithBaseURL sets the base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = url
		}
	}
}

// New creates a new dummy provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{headers: make(map[string]string)}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dummy provider requires a base_url")
	}
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

// wireResponse is the dummy success wire format.
type wireResponse struct {
	Text         string             `json:"text"`
	Usage        *types.Usage       `json:"usage,omitempty"`
	FinishReason types.FinishReason `json:"finish_reason,omitempty"`
}

// wireChunk is one dummy SSE event.
type wireChunk struct {
	Delta        string             `json:"delta,omitempty"`
	Usage        *types.Usage       `json:"usage,omitempty"`
	FinishReason types.FinishReason `json:"finish_reason,omitempty"`
}

// BuildRequest creates an HTTP request for the dummy server.
func (p *Provider) BuildRequest(ctx context.Context, req *types.ModelRequest) (*http.Request, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + "/v1/generate"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	return httpReq, nil
}

// ParseResponse decodes a dummy success response.
func (p *Provider) ParseResponse(resp *http.Response) (*types.ModelResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, errors.NewMalformedResponse(ProviderName, "", err)
	}

	out := &types.ModelResponse{
		Text:         wire.Text,
		FinishReason: wire.FinishReason,
		Raw:          body,
	}
	if wire.Usage != nil {
		out.Usage = *wire.Usage
	}
	return out, nil
}

// ParseStreamChunk decodes one dummy SSE event.
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

	var wire wireChunk
	if err := json.Unmarshal(trimmed, &wire); err != nil {
		return nil, errors.NewMalformedResponse(ProviderName, "", fmt.Errorf("unmarshal chunk: %w", err))
	}

	return &types.ModelChunk{
		Delta:        wire.Delta,
		Usage:        wire.Usage,
		FinishReason: wire.FinishReason,
	}, nil
}

// MapError converts a dummy error response to a classified error.
func (p *Provider) MapError(statusCode int, body []byte) error {
	var errResp struct {
		Error struct {
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
	case http.StatusBadRequest:
		return errors.NewInvalidRequest(ProviderName, "", message)
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.NewTimeout(ProviderName, "", message)
	default:
		return errors.NewProviderUnavailable(ProviderName, "", message)
	}
}
