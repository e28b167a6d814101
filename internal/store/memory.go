package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. It backs tests and
// single-node deployments that do not need durable analytics.
type MemoryStore struct {
	mu              sync.Mutex
	inferences      []*InferenceRecord
	modelInferences []*ModelInferenceRecord
	feedback        []*FeedbackRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// WriteInferences appends a batch of inference records.
func (s *MemoryStore) WriteInferences(_ context.Context, records []*InferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		cp.CreatedAt = recordTime(rec.CreatedAt)
		s.inferences = append(s.inferences, &cp)
	}
	return nil
}

// WriteModelInferences appends a batch of model inference records.
func (s *MemoryStore) WriteModelInferences(_ context.Context, records []*ModelInferenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		cp.CreatedAt = recordTime(rec.CreatedAt)
		s.modelInferences = append(s.modelInferences, &cp)
	}
	return nil
}

// WriteFeedback appends a batch of feedback records.
func (s *MemoryStore) WriteFeedback(_ context.Context, records []*FeedbackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		cp := *rec
		cp.CreatedAt = recordTime(rec.CreatedAt)
		s.feedback = append(s.feedback, &cp)
	}
	return nil
}

// Inferences returns a snapshot of all inference records.
func (s *MemoryStore) Inferences() []*InferenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*InferenceRecord, len(s.inferences))
	copy(out, s.inferences)
	return out
}

// ModelInferences returns a snapshot of all model inference records.
func (s *MemoryStore) ModelInferences() []*ModelInferenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*ModelInferenceRecord, len(s.modelInferences))
	copy(out, s.modelInferences)
	return out
}

// Feedback returns a snapshot of all feedback records.
func (s *MemoryStore) Feedback() []*FeedbackRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*FeedbackRecord, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// InferenceByID looks up one inference record.
func (s *MemoryStore) InferenceByID(id uuid.UUID) (*InferenceRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.inferences {
		if rec.ID == id {
			cp := *rec
			return &cp, true
		}
	}
	return nil, false
}

// Ping always succeeds.
func (s *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
