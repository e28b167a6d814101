package infermux

import (
	"log/slog"
	"math/rand"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/infermux/infermux/internal/cache"
	"github.com/infermux/infermux/internal/store"
	"github.com/infermux/infermux/internal/writer"
)

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithHTTPClient replaces the shared provider transport. Tests point it at
// httptest servers.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.httpClient = client
	}
}

// WithStore replaces the durable record backend, overriding the configured
// driver.
func WithStore(st store.Store) Option {
	return func(g *Gateway) {
		g.store = st
	}
}

// WithCache replaces the inference cache backend, overriding the configured
// one.
func WithCache(c cache.Cache) Option {
	return func(g *Gateway) {
		g.cache = c
	}
}

// WithArchiveSink attaches a secondary archive sink to the observability
// writer, overriding the configured S3 archiver.
func WithArchiveSink(sink writer.Sink) Option {
	return func(g *Gateway) {
		g.sink = sink
	}
}

// WithRand injects the random source for variant sampling. Tests pass a
// seeded source for deterministic candidate orders.
func WithRand(rng *rand.Rand) Option {
	return func(g *Gateway) {
		g.rng = rng
	}
}

// WithTracer sets the tracer for inference and attempt spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(g *Gateway) {
		g.tracer = tracer
	}
}
