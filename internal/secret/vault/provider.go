// Package vault resolves secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection settings for the Vault provider.
type Config struct {
	Address  string
	Token    string
	RoleID   string
	SecretID string
}

// Provider reads secrets from a Vault KV mount.
type Provider struct {
	client *vault.Client
}

// New creates a Vault provider. Token auth is used when a token is set,
// otherwise AppRole with the configured role and secret ids.
func New(cfg Config) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	if cfg.Address != "" {
		vConfig.Address = cfg.Address
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	switch {
	case cfg.Token != "":
		client.SetToken(cfg.Token)
	case cfg.RoleID != "":
		auth, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("vault approle login: %w", err)
		}
		if auth == nil || auth.Auth == nil {
			return nil, fmt.Errorf("vault approle login returned no auth info")
		}
		client.SetToken(auth.Auth.ClientToken)
	default:
		return nil, fmt.Errorf("vault provider requires a token or approle credentials")
	}

	return &Provider{client: client}, nil
}

// Get reads one field of a Vault secret. Path format is
// "mount/path/to/secret#field"; the field defaults to "value". KV v2
// "data" wrappers are unwrapped transparently.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}

	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("key %q in vault secret %q is not a string", key, secretPath)
	}
	return str, nil
}

// Close is a no-op; the Vault client holds no persistent connection.
func (p *Provider) Close() error {
	return nil
}
