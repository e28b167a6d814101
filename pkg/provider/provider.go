// Package provider defines the adapter interface between the gateway's
// canonical request shape and concrete model APIs. Each provider (OpenAI,
// Anthropic, etc.) implements this interface to handle request/response
// transformation; the executor owns transport, retries happen above it.
package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/infermux/infermux/pkg/types"
)

// Provider adapts the canonical ModelRequest to one upstream API. Adapters
// are stateless translators: they never retry, never select models, and
// report failures through MapError so the coordinator can classify them.
type Provider interface {
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string

	// BuildRequest transforms a canonical ModelRequest into a
	// provider-specific HTTP request. It handles parameter mapping,
	// header setup, and body serialization.
	BuildRequest(ctx context.Context, req *types.ModelRequest) (*http.Request, error)

	// ParseResponse transforms a provider-specific success response into
	// a canonical ModelResponse.
	ParseResponse(resp *http.Response) (*types.ModelResponse, error)

	// ParseStreamChunk parses a single SSE event from a streaming
	// response. Returns nil, nil for keep-alive or empty events.
	ParseStreamChunk(data []byte) (*types.ModelChunk, error)

	// MapError converts a provider error response into a classified
	// inference error. Unmappable payloads still yield a classified
	// error based on the status code alone.
	MapError(statusCode int, body []byte) error
}

// Config carries everything an adapter needs at construction time.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)
