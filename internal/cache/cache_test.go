package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/pkg/types"
)

func sampleEntry() *Entry {
	return &Entry{
		VariantName:  "primary",
		Content:      []types.ContentBlock{types.TextBlock("cached answer")},
		FinishReason: types.FinishStop,
	}
}

func sampleInput(text string) types.Input {
	return types.Input{
		Messages: []types.Message{
			{Role: types.RoleUser, Content: []types.ContentBlock{types.TextBlock(text)}},
		},
	}
}

func TestBuildKeyDistinguishesInputs(t *testing.T) {
	k1, err := BuildKey("summarize", "", sampleInput("hello"), types.GenerationParams{})
	require.NoError(t, err)
	k2, err := BuildKey("summarize", "", sampleInput("world"), types.GenerationParams{})
	require.NoError(t, err)
	k3, err := BuildKey("translate", "", sampleInput("hello"), types.GenerationParams{})
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)

	again, err := BuildKey("summarize", "", sampleInput("hello"), types.GenerationParams{})
	require.NoError(t, err)
	assert.Equal(t, k1, again)
}

func TestBuildKeyDistinguishesPinnedVariant(t *testing.T) {
	base, err := BuildKey("summarize", "", sampleInput("hi"), types.GenerationParams{})
	require.NoError(t, err)
	pinned, err := BuildKey("summarize", "fast", sampleInput("hi"), types.GenerationParams{})
	require.NoError(t, err)

	assert.NotEqual(t, base, pinned)
}

func TestModeSemantics(t *testing.T) {
	assert.True(t, ModeReadWrite.Readable())
	assert.True(t, ModeReadWrite.Writable())
	assert.True(t, ModeReadOnly.Readable())
	assert.False(t, ModeReadOnly.Writable())
	assert.False(t, ModeWriteOnly.Readable())
	assert.True(t, ModeWriteOnly.Writable())
	assert.False(t, ModeOff.Readable())
	assert.False(t, ModeOff.Writable())

	assert.True(t, Mode("").Valid())
	assert.False(t, Mode("bogus").Valid())
}

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", sampleEntry(), 0))

	entry, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "primary", entry.VariantName)
	assert.Equal(t, "cached answer", entry.Content[0].Text)
}

func TestRedisRoundTrip(t *testing.T) {
	srv := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Addr: srv.Addr(), DefaultTTL: time.Minute})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.Set(ctx, "k", sampleEntry(), 0))

	entry, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "primary", entry.VariantName)
	assert.Equal(t, types.FinishStop, entry.FinishReason)
}

func TestRedisEntryExpires(t *testing.T) {
	srv := miniredis.RunT(t)

	c, err := NewRedis(RedisConfig{Addr: srv.Addr()})
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", sampleEntry(), 30*time.Second))

	srv.FastForward(time.Minute)

	_, found, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}
