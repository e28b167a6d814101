package anthropic

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
)

func TestBuildRequest(t *testing.T) {
	maxTokens := 256
	req := &types.ModelRequest{
		Model:  "claude-sonnet-4",
		System: "be brief",
		Messages: []types.RenderedMessage{
			{Role: types.RoleUser, Text: "hi"},
		},
		Params: types.GenerationParams{MaxTokens: &maxTokens, Stop: []string{"END"}},
	}

	provider := New(
		WithAPIKey("test-key"),
		WithBaseURL("https://api.test.com"),
	)

	httpReq, err := provider.BuildRequest(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "https://api.test.com/v1/messages", httpReq.URL.String())
	assert.Equal(t, "test-key", httpReq.Header.Get("x-api-key"))
	assert.Equal(t, DefaultAPIVersion, httpReq.Header.Get("anthropic-version"))

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "be brief", payload["system"])
	assert.EqualValues(t, 256, payload["max_tokens"])
	assert.Equal(t, []any{"END"}, payload["stop_sequences"])
}

func TestBuildRequest_DefaultMaxTokens(t *testing.T) {
	req := &types.ModelRequest{
		Model:    "claude-sonnet-4",
		Messages: []types.RenderedMessage{{Role: types.RoleUser, Text: "hi"}},
	}

	httpReq, err := New(WithAPIKey("k")).BuildRequest(context.Background(), req)
	require.NoError(t, err)

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.EqualValues(t, DefaultMaxTokens, payload["max_tokens"])
}

func TestBuildRequest_JSONModeHint(t *testing.T) {
	req := &types.ModelRequest{
		Model:    "claude-sonnet-4",
		System:   "extract entities",
		Messages: []types.RenderedMessage{{Role: types.RoleUser, Text: "hi"}},
		JSONMode: true,
	}

	httpReq, err := New(WithAPIKey("k")).BuildRequest(context.Background(), req)
	require.NoError(t, err)

	body, err := io.ReadAll(httpReq.Body)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	system := payload["system"].(string)
	assert.True(t, strings.HasPrefix(system, "extract entities"))
	assert.Contains(t, system, "JSON")
}

func TestParseResponse(t *testing.T) {
	payload := `{
		"id": "msg_1",
		"type": "message",
		"role": "assistant",
		"model": "claude-sonnet-4",
		"content": [{"type": "text", "text": "hello"}, {"type": "text", "text": " there"}],
		"stop_reason": "end_turn",
		"usage": {"input_tokens": 9, "output_tokens": 4}
	}`

	resp := &http.Response{Body: io.NopCloser(strings.NewReader(payload))}
	out, err := New().ParseResponse(resp)
	require.NoError(t, err)

	assert.Equal(t, "hello there", out.Text)
	assert.Equal(t, types.FinishStop, out.FinishReason)
	assert.Equal(t, types.Usage{InputTokens: 9, OutputTokens: 4}, out.Usage)
}

func TestParseStreamChunk(t *testing.T) {
	p := New()

	t.Run("event line skipped", func(t *testing.T) {
		chunk, err := p.ParseStreamChunk([]byte("event: content_block_delta"))
		require.NoError(t, err)
		assert.Nil(t, chunk)
	})

	t.Run("text delta", func(t *testing.T) {
		chunk, err := p.ParseStreamChunk([]byte(`data: {"type":"content_block_delta","delta":{"type":"text_delta","text":"hel"}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.Equal(t, "hel", chunk.Delta)
	})

	t.Run("message start carries input tokens", func(t *testing.T) {
		chunk, err := p.ParseStreamChunk([]byte(`data: {"type":"message_start","message":{"usage":{"input_tokens":11}}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		require.NotNil(t, chunk.Usage)
		assert.Equal(t, 11, chunk.Usage.InputTokens)
	})

	t.Run("message delta carries finish and output tokens", func(t *testing.T) {
		chunk, err := p.ParseStreamChunk([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"max_tokens"},"usage":{"output_tokens":6}}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.Equal(t, types.FinishLength, chunk.FinishReason)
		require.NotNil(t, chunk.Usage)
		assert.Equal(t, 6, chunk.Usage.OutputTokens)
	})

	t.Run("message stop ends stream", func(t *testing.T) {
		chunk, err := p.ParseStreamChunk([]byte(`data: {"type":"message_stop"}`))
		require.NoError(t, err)
		require.NotNil(t, chunk)
		assert.True(t, chunk.Done)
	})
}

func TestMapError(t *testing.T) {
	p := New()

	err := p.MapError(http.StatusTooManyRequests, []byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	assert.Equal(t, errors.KindRateLimited, errors.KindOf(err))
	assert.Contains(t, err.Error(), "slow down")

	err = p.MapError(http.StatusBadRequest, []byte(`{"error":{"message":"bad"}}`))
	assert.Equal(t, errors.KindInvalidRequest, errors.KindOf(err))

	err = p.MapError(http.StatusServiceUnavailable, nil)
	assert.Equal(t, errors.KindProviderUnavailable, errors.KindOf(err))
}
