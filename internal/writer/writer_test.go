package writer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/infermux/infermux/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func inferenceRecord() *store.InferenceRecord {
	return &store.InferenceRecord{
		ID:           uuid.Must(uuid.NewV7()),
		EpisodeID:    uuid.Must(uuid.NewV7()),
		FunctionName: "summarize",
		VariantName:  "primary",
		Outcome:      store.OutcomeSuccess,
	}
}

func TestWriterPersistsAllRecordKinds(t *testing.T) {
	mem := store.NewMemoryStore()
	w := New(mem, Config{BatchSize: 2, FlushInterval: 10 * time.Millisecond}, testLogger())

	inf := inferenceRecord()
	w.EnqueueInference(inf)
	w.EnqueueModelInference(&store.ModelInferenceRecord{
		ID:          uuid.Must(uuid.NewV7()),
		InferenceID: inf.ID,
		VariantName: "primary",
		Provider:    "dummy",
		Success:     true,
	})
	w.EnqueueFeedback(&store.FeedbackRecord{
		ID:         uuid.Must(uuid.NewV7()),
		MetricName: "quality",
		TargetType: "inference",
		TargetID:   inf.ID,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	assert.Len(t, mem.Inferences(), 1)
	assert.Len(t, mem.ModelInferences(), 1)
	assert.Len(t, mem.Feedback(), 1)
	assert.Equal(t, inf.ID, mem.ModelInferences()[0].InferenceID)
}

// flakyStore fails a fixed number of writes before recovering.
type flakyStore struct {
	store.Store
	failures atomic.Int64
	writes   atomic.Int64
}

func (f *flakyStore) WriteInferences(ctx context.Context, records []*store.InferenceRecord) error {
	f.writes.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return fmt.Errorf("transient store failure")
	}
	return f.Store.WriteInferences(ctx, records)
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	flaky.failures.Store(2)

	w := New(flaky, Config{
		BatchSize:     1,
		FlushInterval: 5 * time.Millisecond,
		MaxRetries:    3,
		RetryBackoff:  time.Millisecond,
	}, testLogger())

	w.EnqueueInference(inferenceRecord())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	assert.Len(t, mem.Inferences(), 1)
	assert.GreaterOrEqual(t, flaky.writes.Load(), int64(3))
	assert.Zero(t, w.Dropped())
}

func TestWriterDropsAfterExhaustedRetries(t *testing.T) {
	mem := store.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	flaky.failures.Store(100)

	w := New(flaky, Config{
		BatchSize:     1,
		FlushInterval: 5 * time.Millisecond,
		MaxRetries:    2,
		RetryBackoff:  time.Millisecond,
	}, testLogger())

	w.EnqueueInference(inferenceRecord())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	assert.Empty(t, mem.Inferences())
	assert.Equal(t, int64(1), w.Dropped())
}

// blockingStore parks the first write until released, pinning the consumer.
type blockingStore struct {
	store.Store
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingStore) WriteInferences(ctx context.Context, records []*store.InferenceRecord) error {
	b.once.Do(func() {
		close(b.started)
		<-b.release
	})
	return b.Store.WriteInferences(ctx, records)
}

func TestWriterDropsOldestOnOverflow(t *testing.T) {
	mem := store.NewMemoryStore()
	blocking := &blockingStore{
		Store:   mem,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}

	w := New(blocking, Config{
		QueueCapacity: 2,
		BatchSize:     1,
		FlushInterval: time.Hour, // batch-size flushes only
	}, testLogger())

	// First record reaches the consumer and blocks inside the store.
	w.EnqueueInference(inferenceRecord())
	select {
	case <-blocking.started:
	case <-time.After(time.Second):
		t.Fatal("consumer never picked up the first record")
	}

	// Fill the queue, then overflow it.
	w.EnqueueInference(inferenceRecord())
	w.EnqueueInference(inferenceRecord())
	w.EnqueueInference(inferenceRecord())
	assert.Equal(t, int64(1), w.Dropped())

	close(blocking.release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	// One blocked + two queued survived; one was evicted.
	assert.Len(t, mem.Inferences(), 3)
}

func TestEnqueueAfterCloseDoesNotPanic(t *testing.T) {
	mem := store.NewMemoryStore()
	w := New(mem, Config{}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	w.EnqueueInference(inferenceRecord())
	assert.Equal(t, int64(1), w.Dropped())
}
