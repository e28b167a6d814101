// Package cache stores successful non-streaming inference responses so
// repeated identical requests can skip provider calls. Backends: in-process
// and Redis. Streaming and dryrun requests always bypass the cache.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/infermux/infermux/pkg/types"
)

// Mode controls cache participation for one request.
type Mode string

const (
	// ModeOff bypasses the cache entirely.
	ModeOff Mode = "off"

	// ModeReadWrite serves hits and stores fresh successes. The default
	// when a backend is configured.
	ModeReadWrite Mode = "read_write"

	// ModeReadOnly serves hits but never stores.
	ModeReadOnly Mode = "read_only"

	// ModeWriteOnly stores fresh successes but never serves hits, useful
	// for warming after a prompt change.
	ModeWriteOnly Mode = "write_only"
)

// Readable reports whether lookups are allowed under m.
func (m Mode) Readable() bool {
	return m == ModeReadWrite || m == ModeReadOnly
}

// Writable reports whether stores are allowed under m.
func (m Mode) Writable() bool {
	return m == ModeReadWrite || m == ModeWriteOnly
}

// Valid reports whether m is a recognized mode. The empty string is valid
// and means "use the server default".
func (m Mode) Valid() bool {
	switch m {
	case "", ModeOff, ModeReadWrite, ModeReadOnly, ModeWriteOnly:
		return true
	}
	return false
}

// Entry is one cached inference result. Ids are never cached: a hit mints a
// fresh inference id so every client-visible response stays traceable.
type Entry struct {
	VariantName  string               `json:"variant_name"`
	Content      []types.ContentBlock `json:"content,omitempty"`
	Output       *types.JSONOutput    `json:"output,omitempty"`
	FinishReason types.FinishReason   `json:"finish_reason,omitempty"`
}

// Cache is the backend contract. Implementations are safe for concurrent
// use; a miss is (nil, false, nil), never an error.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, bool, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Ping(ctx context.Context) error
	Close() error
}

// BuildKey derives the cache key for one request. Function name, pinned
// variant, structured input, and caller parameter overrides all participate:
// two requests share an entry only when a provider would see identical work.
func BuildKey(functionName, pinned string, input types.Input, params types.GenerationParams) (string, error) {
	keyData := struct {
		Function string                 `json:"function"`
		Pinned   string                 `json:"pinned,omitempty"`
		Input    types.Input            `json:"input"`
		Params   types.GenerationParams `json:"params"`
	}{
		Function: functionName,
		Pinned:   pinned,
		Input:    input,
		Params:   params,
	}

	data, err := json.Marshal(keyData)
	if err != nil {
		return "", fmt.Errorf("marshal cache key: %w", err)
	}
	return fmt.Sprintf("infermux:%x", hashBytes(data)), nil
}

// hashBytes computes FNV-1a over the canonical key bytes.
func hashBytes(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
