// Package store persists inference and feedback records for offline
// analysis. Writes arrive in batches from the observability writer; the
// request path never blocks on this package.
package store

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/infermux/infermux/pkg/types"
)

// Outcome classifies how an inference ended.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// InferenceRecord is the durable row for one logical inference: the
// function-level view, after variant selection and any fallbacks.
type InferenceRecord struct {
	ID           uuid.UUID
	EpisodeID    uuid.UUID
	FunctionName string
	VariantName  string
	Input        json.RawMessage
	Output       json.RawMessage
	Usage        types.Usage
	FinishReason types.FinishReason
	Outcome      Outcome
	Error        string
	Cached       bool
	LatencyMS    int64
	Tags         map[string]string
	CreatedAt    time.Time
}

// ModelInferenceRecord is the durable row for one provider attempt. A single
// inference produces one row per attempted variant, successes and failures
// both.
type ModelInferenceRecord struct {
	ID           uuid.UUID
	InferenceID  uuid.UUID
	VariantName  string
	Provider     string
	Model        string
	RawRequest   json.RawMessage
	RawResponse  json.RawMessage
	Usage        types.Usage
	FinishReason types.FinishReason
	Success      bool
	Error        string
	LatencyMS    int64
	CreatedAt    time.Time
}

// FeedbackRecord is the durable row for one feedback signal.
type FeedbackRecord struct {
	ID         uuid.UUID
	MetricName string
	TargetType string // inference or episode
	TargetID   uuid.UUID
	Value      json.RawMessage
	Tags       map[string]string
	CreatedAt  time.Time
}

// Store is the durable backend for observability records.
type Store interface {
	WriteInferences(ctx context.Context, records []*InferenceRecord) error
	WriteModelInferences(ctx context.Context, records []*ModelInferenceRecord) error
	WriteFeedback(ctx context.Context, records []*FeedbackRecord) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
