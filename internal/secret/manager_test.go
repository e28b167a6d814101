package secret

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/secret/env"
)

type fakeProvider struct {
	values map[string]string
	calls  int
	closed bool
}

func (f *fakeProvider) Get(_ context.Context, path string) (string, error) {
	f.calls++
	val, ok := f.values[path]
	if !ok {
		return "", fmt.Errorf("not found: %s", path)
	}
	return val, nil
}

func (f *fakeProvider) Close() error {
	f.closed = true
	return nil
}

func TestResolveLiteralPassthrough(t *testing.T) {
	m := NewManager()

	val, err := m.Resolve(context.Background(), "sk-plain-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-plain-key", val)
}

func TestResolveRoutesByScheme(t *testing.T) {
	m := NewManager()
	m.Register("fake", &fakeProvider{values: map[string]string{"api_key": "resolved"}})

	val, err := m.Resolve(context.Background(), "fake://api_key")
	require.NoError(t, err)
	assert.Equal(t, "resolved", val)
}

func TestResolveUnknownScheme(t *testing.T) {
	m := NewManager()

	_, err := m.Resolve(context.Background(), "vault://secret/openai#key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault")
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("INFERMUX_TEST_SECRET", "hunter2")

	m := NewManager()
	m.Register("env", env.New())

	val, err := m.Resolve(context.Background(), "env://INFERMUX_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", val)

	_, err = m.Resolve(context.Background(), "env://INFERMUX_TEST_MISSING")
	require.Error(t, err)
}

func TestCachedProviderHitsBackendOnce(t *testing.T) {
	fake := &fakeProvider{values: map[string]string{"k": "v"}}
	cached := NewCachedProvider(fake, 0)

	for i := 0; i < 3; i++ {
		val, err := cached.Get(context.Background(), "k")
		require.NoError(t, err)
		assert.Equal(t, "v", val)
	}
	assert.Equal(t, 1, fake.calls)
}

func TestManagerCloseClosesProviders(t *testing.T) {
	fake := &fakeProvider{}
	m := NewManager()
	m.Register("fake", fake)

	require.NoError(t, m.Close())
	assert.True(t, fake.closed)
}
