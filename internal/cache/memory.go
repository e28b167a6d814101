package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Memory is an in-process cache backed by go-cache with TTL eviction.
type Memory struct {
	store      *gocache.Cache
	defaultTTL time.Duration
}

// NewMemory creates an in-process cache. A zero TTL means entries never
// expire until process exit.
func NewMemory(defaultTTL time.Duration) *Memory {
	cleanup := defaultTTL * 2
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &Memory{
		store:      gocache.New(defaultTTL, cleanup),
		defaultTTL: defaultTTL,
	}
}

// Get returns the entry for key, if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) (*Entry, bool, error) {
	val, found := m.store.Get(key)
	if !found {
		return nil, false, nil
	}
	entry, ok := val.(*Entry)
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// Set stores an entry under key.
func (m *Memory) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	m.store.Set(key, entry, ttl)
	return nil
}

// Ping always succeeds.
func (m *Memory) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (m *Memory) Close() error {
	return nil
}

var _ Cache = (*Memory)(nil)
