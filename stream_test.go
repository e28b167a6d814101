package infermux

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/config"
	"github.com/infermux/infermux/internal/store"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
	"github.com/infermux/infermux/providers/dummy"
)

func TestStreamDeliversChunksInOrder(t *testing.T) {
	gw, mem, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Functions["summarize"] = config.FunctionConfig{
			Kind:     types.FunctionChat,
			Variants: map[string]config.VariantConfig{"primary": variant(dummy.ModelEcho, 1)},
		}
	})

	reader, err := gw.InferenceStream(context.Background(), &types.InferenceRequest{
		FunctionName: "summarize",
		Input:        userInput("The cat sat"),
		Stream:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", reader.VariantName())

	var deltas []string
	var usage *types.Usage
	var finish types.FinishReason
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, reader.InferenceID(), chunk.InferenceID)
		if chunk.Delta != "" {
			deltas = append(deltas, chunk.Delta)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	assert.Equal(t, []string{"The ", "cat ", "sat"}, deltas)
	assert.Equal(t, "The cat sat", strings.Join(deltas, ""))
	require.NotNil(t, usage)
	assert.Equal(t, dummy.FixedUsage, *usage)
	assert.Equal(t, types.FinishStop, finish)

	closeAndDrain(t, gw)

	require.Len(t, mem.Inferences(), 1)
	inf := mem.Inferences()[0]
	assert.Equal(t, store.OutcomeSuccess, inf.Outcome)
	assert.Contains(t, string(inf.Output), "The cat sat", "record holds the full accumulated response")
	assert.Equal(t, dummy.FixedUsage, inf.Usage)

	require.Len(t, mem.ModelInferences(), 1)
	assert.True(t, mem.ModelInferences()[0].Success)
	assert.Equal(t, reader.InferenceID(), mem.ModelInferences()[0].InferenceID)
}

func TestStreamCancelPersistsPartialRecord(t *testing.T) {
	gw, mem, _ := newTestGateway(t, func(cfg *config.Config) {
		// A one-chunk buffer keeps most of the stream unforwarded when the
		// client walks away.
		cfg.Inference.StreamBufferSize = 1
		cfg.Functions["summarize"] = config.FunctionConfig{
			Kind:     types.FunctionChat,
			Variants: map[string]config.VariantConfig{"primary": variant(dummy.ModelEcho, 1)},
		}
	})

	reader, err := gw.InferenceStream(context.Background(), &types.InferenceRequest{
		FunctionName: "summarize",
		Input:        userInput("one two three four five six seven eight"),
		Stream:       true,
	})
	require.NoError(t, err)

	chunk, err := reader.Recv()
	require.NoError(t, err)
	assert.NotEmpty(t, chunk.Delta)

	require.NoError(t, reader.Close())

	require.Eventually(t, func() bool {
		return len(mem.Inferences()) == 1 && len(mem.ModelInferences()) == 1
	}, 2*time.Second, 10*time.Millisecond, "partial record must land after cancel")

	inf := mem.Inferences()[0]
	assert.Equal(t, store.OutcomeCancelled, inf.Outcome)
	assert.Equal(t, types.FinishCancelled, inf.FinishReason)
	assert.NotEmpty(t, inf.Output, "accumulated partial response is preserved")

	assert.NotEmpty(t, inf.Error, "cancelled record says why it ended early")

	require.Len(t, mem.ModelInferences(), 1)
	assert.False(t, mem.ModelInferences()[0].Success)
	assert.Contains(t, mem.ModelInferences()[0].Error, "cancelled")
}

func TestStreamFallsBackBeforeFirstChunk(t *testing.T) {
	gw, mem, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Functions["summarize"] = config.FunctionConfig{
			Kind: types.FunctionChat,
			Variants: map[string]config.VariantConfig{
				"a": variant(dummy.ModelError, 1),
				"b": variant(dummy.ModelGood, 0),
			},
		}
	})

	reader, err := gw.InferenceStream(context.Background(), &types.InferenceRequest{
		FunctionName: "summarize",
		Input:        userInput("x"),
		Stream:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, "b", reader.VariantName())

	var text strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text.WriteString(chunk.Delta)
	}
	assert.Equal(t, dummy.GoodText, text.String())

	closeAndDrain(t, gw)

	// The failed establishment attempt and the winning stream both leave
	// attempt records under a single inference.
	require.Len(t, mem.ModelInferences(), 2)
	require.Len(t, mem.Inferences(), 1)
	assert.Equal(t, store.OutcomeSuccess, mem.Inferences()[0].Outcome)
}

func TestStreamAllVariantsFail(t *testing.T) {
	gw, _, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Functions["summarize"] = config.FunctionConfig{
			Kind: types.FunctionChat,
			Variants: map[string]config.VariantConfig{
				"a": variant(dummy.ModelError, 1),
				"b": variant(dummy.ModelError, 1),
			},
		}
	})

	_, err := gw.InferenceStream(context.Background(), &types.InferenceRequest{
		FunctionName: "summarize",
		Input:        userInput("x"),
		Stream:       true,
	})
	require.Error(t, err)

	var agg *inferrors.AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Attempts, 2)
}

func TestStreamJSONFunctionRecord(t *testing.T) {
	gw, mem, _ := newTestGateway(t, func(cfg *config.Config) {
		cfg.Functions["extract"] = config.FunctionConfig{
			Kind:     types.FunctionJSON,
			Variants: map[string]config.VariantConfig{"primary": variant(dummy.ModelJSON, 1)},
		}
	})

	reader, err := gw.InferenceStream(context.Background(), &types.InferenceRequest{
		FunctionName: "extract",
		Input:        userInput("extract"),
		Stream:       true,
	})
	require.NoError(t, err)

	var text strings.Builder
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		text.WriteString(chunk.Delta)
	}
	assert.Equal(t, dummy.JSONText, text.String())

	closeAndDrain(t, gw)

	require.Len(t, mem.Inferences(), 1)
	assert.Contains(t, string(mem.Inferences()[0].Output), `"parsed"`, "JSON output is parsed at finalization")
}
