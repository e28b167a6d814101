// Package writer is the asynchronous persistence pipeline for observability
// records. Request-handling goroutines enqueue records without blocking; a
// single consumer batches them and writes to the analytical store. Failures
// here never affect client-visible responses.
package writer

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infermux/infermux/internal/metrics"
	"github.com/infermux/infermux/internal/store"
)

// Sink receives the same batches the store does, best effort. Implemented
// by the S3 archiver.
type Sink interface {
	ArchiveInferences(records []*store.InferenceRecord)
	ArchiveModelInferences(records []*store.ModelInferenceRecord)
	ArchiveFeedback(records []*store.FeedbackRecord)
}

// Config tunes the writer queue and batching behavior.
type Config struct {
	// QueueCapacity bounds the in-flight record queue. On overflow the
	// oldest queued record is dropped in favor of the new one.
	QueueCapacity int

	// BatchSize triggers a flush once this many records accumulate.
	BatchSize int

	// FlushInterval triggers a flush for partially filled batches.
	FlushInterval time.Duration

	// MaxRetries bounds additional attempts after a failed store write.
	MaxRetries int

	// RetryBackoff is the base delay before the first retry; it doubles
	// per attempt with jitter.
	RetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 4096
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	return c
}

// envelope carries exactly one record of any kind through the queue.
type envelope struct {
	inference *store.InferenceRecord
	model     *store.ModelInferenceRecord
	feedback  *store.FeedbackRecord
}

// Writer is the MPSC record pipeline. Producers call the Enqueue methods;
// one background consumer owns all store writes.
type Writer struct {
	store  store.Store
	sink   Sink
	logger *slog.Logger
	cfg    Config

	queue  chan envelope
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	wg     sync.WaitGroup

	dropped atomic.Int64
}

// Option configures a Writer.
type Option func(*Writer)

// WithSink attaches a secondary archive sink.
func WithSink(sink Sink) Option {
	return func(w *Writer) {
		w.sink = sink
	}
}

// New creates a writer and starts its consumer goroutine.
func New(st store.Store, cfg Config, logger *slog.Logger, opts ...Option) *Writer {
	cfg = cfg.withDefaults()
	w := &Writer{
		store:  st,
		logger: logger,
		cfg:    cfg,
		queue:  make(chan envelope, cfg.QueueCapacity),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.wg.Add(1)
	go w.run()

	return w
}

// EnqueueInference queues one inference record. Never blocks.
func (w *Writer) EnqueueInference(rec *store.InferenceRecord) {
	w.push(envelope{inference: rec})
}

// EnqueueModelInference queues one model inference record. Never blocks.
func (w *Writer) EnqueueModelInference(rec *store.ModelInferenceRecord) {
	w.push(envelope{model: rec})
}

// EnqueueFeedback queues one feedback record. Never blocks.
func (w *Writer) EnqueueFeedback(rec *store.FeedbackRecord) {
	w.push(envelope{feedback: rec})
}

// Dropped reports how many records have been lost to overflow or exhausted
// store retries.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// push hands a record to the consumer. On a full queue the oldest queued
// record is evicted so the request path keeps its latency bound; dropping
// history beats delaying responses under overload.
func (w *Writer) push(env envelope) {
	if w.closed.Load() {
		w.drop(1, "closed")
		return
	}

	select {
	case w.queue <- env:
	default:
		select {
		case <-w.queue:
			w.drop(1, "overflow")
		default:
		}
		select {
		case w.queue <- env:
		default:
			w.drop(1, "overflow")
		}
	}
	metrics.WriterQueueDepth.Set(float64(len(w.queue)))
}

func (w *Writer) drop(n int, reason string) {
	w.dropped.Add(int64(n))
	metrics.WriterDropped.WithLabelValues(reason).Add(float64(n))
	w.logger.Warn("observability record dropped", "reason", reason, "count", n)
}

// batch groups queued records by target table.
type batch struct {
	inferences []*store.InferenceRecord
	models     []*store.ModelInferenceRecord
	feedback   []*store.FeedbackRecord
}

func (b *batch) add(env envelope) {
	switch {
	case env.inference != nil:
		b.inferences = append(b.inferences, env.inference)
	case env.model != nil:
		b.models = append(b.models, env.model)
	case env.feedback != nil:
		b.feedback = append(b.feedback, env.feedback)
	}
}

func (b *batch) size() int {
	return len(b.inferences) + len(b.models) + len(b.feedback)
}

func (b *batch) reset() {
	b.inferences = nil
	b.models = nil
	b.feedback = nil
}

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	var b batch
	for {
		select {
		case env := <-w.queue:
			b.add(env)
			metrics.WriterQueueDepth.Set(float64(len(w.queue)))
			if b.size() >= w.cfg.BatchSize {
				w.flush(&b)
			}

		case <-ticker.C:
			w.flush(&b)

		case <-w.done:
			w.drain(&b)
			return
		}
	}
}

// drain empties whatever is still queued at shutdown, then flushes.
func (w *Writer) drain(b *batch) {
	for {
		select {
		case env := <-w.queue:
			b.add(env)
			if b.size() >= w.cfg.BatchSize {
				w.flush(b)
			}
		default:
			w.flush(b)
			return
		}
	}
}

func (w *Writer) flush(b *batch) {
	if b.size() == 0 {
		return
	}

	if len(b.inferences) > 0 {
		records := b.inferences
		w.writeWithRetry("inference", len(records), func(ctx context.Context) error {
			return w.store.WriteInferences(ctx, records)
		})
		if w.sink != nil {
			w.sink.ArchiveInferences(records)
		}
	}
	if len(b.models) > 0 {
		records := b.models
		w.writeWithRetry("model_inference", len(records), func(ctx context.Context) error {
			return w.store.WriteModelInferences(ctx, records)
		})
		if w.sink != nil {
			w.sink.ArchiveModelInferences(records)
		}
	}
	if len(b.feedback) > 0 {
		records := b.feedback
		w.writeWithRetry("feedback", len(records), func(ctx context.Context) error {
			return w.store.WriteFeedback(ctx, records)
		})
		if w.sink != nil {
			w.sink.ArchiveFeedback(records)
		}
	}

	b.reset()
}

// writeWithRetry attempts one table's batch with exponential backoff. After
// the retry budget the batch is dropped; the records are already out of the
// request path, so the only casualty is observability completeness.
func (w *Writer) writeWithRetry(table string, n int, write func(ctx context.Context) error) {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := w.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			backoff += time.Duration(rand.Int63n(int64(backoff)/2 + 1))
			time.Sleep(backoff)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := write(ctx)
		cancel()

		if err == nil {
			metrics.WriterBatchesWritten.WithLabelValues(table).Inc()
			return
		}
		lastErr = err
		w.logger.Warn("store write failed", "table", table, "attempt", attempt+1, "error", err)
	}

	w.drop(n, "store_error")
	w.logger.Error("store write abandoned", "table", table, "records", n, "error", lastErr)
}

// Close stops intake, drains the queue, and waits for the consumer up to
// the context deadline.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.done)
	})

	finished := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
