package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/pkg/types"
)

func TestMemoryStoreWriteAndSnapshot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	infID := uuid.New()
	err := s.WriteInferences(ctx, []*InferenceRecord{{
		ID:           infID,
		EpisodeID:    uuid.New(),
		FunctionName: "summarize",
		VariantName:  "primary",
		Usage:        types.Usage{InputTokens: 10, OutputTokens: 5},
		Outcome:      OutcomeSuccess,
	}})
	require.NoError(t, err)

	err = s.WriteModelInferences(ctx, []*ModelInferenceRecord{{
		ID:          uuid.New(),
		InferenceID: infID,
		VariantName: "primary",
		Provider:    "main",
		Model:       "good",
		Success:     true,
	}})
	require.NoError(t, err)

	inferences := s.Inferences()
	require.Len(t, inferences, 1)
	assert.Equal(t, "summarize", inferences[0].FunctionName)
	assert.False(t, inferences[0].CreatedAt.IsZero(), "store must stamp created_at")

	got, ok := s.InferenceByID(infID)
	require.True(t, ok)
	assert.Equal(t, OutcomeSuccess, got.Outcome)

	models := s.ModelInferences()
	require.Len(t, models, 1)
	assert.Equal(t, infID, models[0].InferenceID)
}

func TestMemoryStoreSnapshotsAreCopies(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.WriteFeedback(context.Background(), []*FeedbackRecord{{
		ID:         uuid.New(),
		MetricName: "quality",
		TargetType: "inference",
		TargetID:   uuid.New(),
	}}))

	first := s.Feedback()
	require.Len(t, first, 1)
	first[0] = nil

	second := s.Feedback()
	require.Len(t, second, 1)
	assert.NotNil(t, second[0])
}
