package types

import (
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Reserved metric names accepted without a metrics config entry.
const (
	MetricComment       = "comment"
	MetricDemonstration = "demonstration"
)

// FeedbackRequest attaches a signal to a past inference or episode.
// Exactly one of InferenceID and EpisodeID must be set; which one is
// legal depends on the metric's configured level.
type FeedbackRequest struct {
	MetricName  string            `json:"metric_name"`
	Value       json.RawMessage   `json:"value"`
	InferenceID *uuid.UUID        `json:"inference_id,omitempty"`
	EpisodeID   *uuid.UUID        `json:"episode_id,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
	Dryrun      bool              `json:"dryrun,omitempty"`
}

// FeedbackResponse acknowledges a recorded signal.
type FeedbackResponse struct {
	FeedbackID uuid.UUID `json:"feedback_id"`
}
