// Package metrics provides Prometheus collectors for the inference gateway.
// It tracks inference outcomes, per-attempt failures, latencies, token usage,
// cache effectiveness, and the observability writer queue.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "infermux"

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0, 7.5,
	10.0, 15.0, 20.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// InferenceTotal counts completed inferences by terminal outcome.
	InferenceTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_total",
			Help:      "Total number of completed inferences",
		},
		[]string{"function", "variant", "outcome"},
	)

	// AttemptTotal counts individual variant attempts. The result label is
	// "success" or the error kind that failed the attempt.
	AttemptTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_total",
			Help:      "Total number of variant attempts by result",
		},
		[]string{"function", "variant", "provider", "result"},
	)

	// InferenceLatency tracks end-to-end inference latency across all
	// fallback attempts.
	InferenceLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_latency_seconds",
			Help:      "End-to-end inference latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"function", "variant"},
	)

	// TimeToFirstChunk tracks the delay before the first streamed chunk.
	TimeToFirstChunk = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "time_to_first_chunk_seconds",
			Help:      "Time to first chunk for streaming inferences",
			Buckets:   LatencyBuckets,
		},
		[]string{"function", "variant"},
	)

	// InputTokens counts prompt tokens consumed per variant.
	InputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "input_tokens_total",
			Help:      "Total input tokens",
		},
		[]string{"function", "variant", "provider"},
	)

	// OutputTokens counts completion tokens produced per variant.
	OutputTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "output_tokens_total",
			Help:      "Total output tokens",
		},
		[]string{"function", "variant", "provider"},
	)

	// CacheHits counts inference cache hits.
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total inference cache hits",
		},
		[]string{"function"},
	)

	// FeedbackTotal counts recorded feedback signals.
	FeedbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Total feedback signals recorded",
		},
		[]string{"metric"},
	)
)

// Observability writer metrics.
var (
	// WriterQueueDepth reports the current depth of the writer queue.
	WriterQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "writer_queue_depth",
			Help:      "Current number of records waiting in the writer queue",
		},
	)

	// WriterDropped counts records lost to overflow or exhausted retries.
	WriterDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_dropped_total",
			Help:      "Total records dropped by the observability writer",
		},
		[]string{"reason"},
	)

	// WriterBatchesWritten counts batches flushed to the analytical store.
	WriterBatchesWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writer_batches_total",
			Help:      "Total record batches written to the analytical store",
		},
		[]string{"table"},
	)
)
