// Package secret resolves provider credentials from scheme-tagged
// references. Config values like "env://OPENAI_API_KEY" or
// "vault://secret/data/openai#api_key" are routed to the matching backend;
// values without a scheme pass through as literals.
package secret

import "context"

// Provider resolves secret values from one backing source.
type Provider interface {
	// Get retrieves the secret value for the given path. The path is the
	// part after the scheme, e.g. "OPENAI_API_KEY" for env:// references.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
