package dummy

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
)

func newTestProvider(t *testing.T, opts ...HandlerOption) (*Provider, *Handler) {
	t.Helper()
	handler := NewHandler(opts...)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(WithBaseURL(server.URL)), handler
}

func callOnce(t *testing.T, p *Provider, req *types.ModelRequest) (*http.Response, error) {
	t.Helper()
	httpReq, err := p.BuildRequest(context.Background(), req)
	require.NoError(t, err)
	return http.DefaultClient.Do(httpReq)
}

func TestGoodModel(t *testing.T) {
	p, _ := newTestProvider(t)

	resp, err := callOnce(t, p, &types.ModelRequest{Model: ModelGood})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	out, err := p.ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, GoodText, out.Text)
	assert.Equal(t, FixedUsage, out.Usage)
	assert.Equal(t, types.FinishStop, out.FinishReason)
}

func TestEchoModel(t *testing.T) {
	p, _ := newTestProvider(t)

	resp, err := callOnce(t, p, &types.ModelRequest{
		Model: ModelEcho,
		Messages: []types.RenderedMessage{
			{Role: types.RoleUser, Text: "first"},
			{Role: types.RoleAssistant, Text: "reply"},
			{Role: types.RoleUser, Text: "last"},
		},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	out, err := p.ParseResponse(resp)
	require.NoError(t, err)
	assert.Equal(t, "last", out.Text)
}

func TestScriptedFailures(t *testing.T) {
	p, _ := newTestProvider(t)

	tests := []struct {
		model  string
		status int
		kind   errors.Kind
	}{
		{ModelError, http.StatusInternalServerError, errors.KindProviderUnavailable},
		{ModelRateLimit, http.StatusTooManyRequests, errors.KindRateLimited},
		{ModelBadRequest, http.StatusBadRequest, errors.KindInvalidRequest},
		{"no_such_model", http.StatusNotFound, errors.KindProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			resp, err := callOnce(t, p, &types.ModelRequest{Model: tt.model})
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, tt.status, resp.StatusCode)

			body := new(bytes.Buffer)
			_, _ = body.ReadFrom(resp.Body)
			mapped := p.MapError(resp.StatusCode, body.Bytes())
			assert.Equal(t, tt.kind, errors.KindOf(mapped))
		})
	}
}

func TestFlakyModelAlternates(t *testing.T) {
	p, handler := newTestProvider(t)

	first, err := callOnce(t, p, &types.ModelRequest{Model: ModelFlaky})
	require.NoError(t, err)
	first.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, first.StatusCode)

	second, err := callOnce(t, p, &types.ModelRequest{Model: ModelFlaky})
	require.NoError(t, err)
	second.Body.Close()
	assert.Equal(t, http.StatusOK, second.StatusCode)

	assert.EqualValues(t, 2, handler.FlakyCalls())
}

func TestStreaming(t *testing.T) {
	p, _ := newTestProvider(t)

	resp, err := callOnce(t, p, &types.ModelRequest{Model: ModelGood, Stream: true})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var (
		text   string
		usage  *types.Usage
		finish types.FinishReason
		done   bool
	)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		chunk, err := p.ParseStreamChunk(scanner.Bytes())
		require.NoError(t, err)
		if chunk == nil {
			continue
		}
		if chunk.Done {
			done = true
			break
		}
		text += chunk.Delta
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	assert.True(t, done)
	assert.Equal(t, GoodText, text)
	require.NotNil(t, usage)
	assert.Equal(t, FixedUsage, *usage)
	assert.Equal(t, types.FinishStop, finish)
}
