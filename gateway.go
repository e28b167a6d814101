package infermux

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/infermux/infermux/internal/archive"
	"github.com/infermux/infermux/internal/cache"
	"github.com/infermux/infermux/internal/config"
	"github.com/infermux/infermux/internal/metrics"
	"github.com/infermux/infermux/internal/observability"
	"github.com/infermux/infermux/internal/ratelimit"
	"github.com/infermux/infermux/internal/secret"
	"github.com/infermux/infermux/internal/secret/env"
	"github.com/infermux/infermux/internal/secret/vault"
	"github.com/infermux/infermux/internal/store"
	"github.com/infermux/infermux/internal/writer"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/provider"
	"github.com/infermux/infermux/pkg/types"
	"github.com/infermux/infermux/providers"
	"github.com/infermux/infermux/registry"
)

// snapshot is the reload unit: everything derived from one configuration
// generation, swapped atomically so in-flight requests keep a consistent
// view.
type snapshot struct {
	registry  *registry.Registry
	inference config.InferenceConfig
	feedback  config.FeedbackConfig
	cacheMode cache.Mode
	cacheTTL  time.Duration

	// timeouts holds the per-provider attempt deadline, keyed by provider
	// name. It lives in the snapshot so a reload never mutates state an
	// in-flight request is reading.
	timeouts map[string]time.Duration
}

// Gateway is the embeddable inference engine: variant selection, fallback
// execution, streaming, caching, feedback, and asynchronous observability
// behind one facade. The HTTP layer and the CLI are thin wrappers over it.
type Gateway struct {
	logger     *slog.Logger
	httpClient *http.Client
	tracer     trace.Tracer

	// rngMu guards rng, which is only used to seed a private source for
	// each compiled registry. Registries built on different reloads must
	// never share a rand.Rand: its internal state is not safe for
	// concurrent draws.
	rngMu sync.Mutex
	rng   *rand.Rand

	secrets  *secret.Manager
	store    store.Store
	writer   *writer.Writer
	archiver *archive.Archiver
	sink     writer.Sink
	cache    cache.Cache
	limits   *ratelimit.Pool
	executor *executor

	current atomic.Pointer[snapshot]
}

// New builds a gateway from a validated configuration. The returned gateway
// owns its store, writer, and cache; Close releases them.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		logger: slog.Default(),
		tracer: otel.Tracer(observability.TracerName),
		limits: ratelimit.NewPool(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.rng == nil {
		g.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if g.httpClient == nil {
		g.httpClient = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	g.secrets = secret.NewManager()
	g.secrets.Register("env", env.New())
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		vp, err := vault.New(vault.Config{
			Address:  addr,
			Token:    os.Getenv("VAULT_TOKEN"),
			RoleID:   os.Getenv("VAULT_ROLE_ID"),
			SecretID: os.Getenv("VAULT_SECRET_ID"),
		})
		if err != nil {
			return nil, fmt.Errorf("init vault secret provider: %w", err)
		}
		g.secrets.Register("vault", secret.NewCachedProvider(vp, 5*time.Minute))
	}

	if g.store == nil {
		st, err := openStore(cfg.Store)
		if err != nil {
			return nil, err
		}
		g.store = st
	}

	if cfg.Archive.Enabled && g.sink == nil {
		a, err := archive.New(context.Background(), archive.ConfigFromEnv(archive.Config{
			Bucket:        cfg.Archive.Bucket,
			Region:        cfg.Archive.Region,
			Endpoint:      cfg.Archive.Endpoint,
			Prefix:        cfg.Archive.Prefix,
			BatchSize:     cfg.Archive.BatchSize,
			FlushInterval: cfg.Archive.FlushInterval,
		}), g.logger)
		if err != nil {
			return nil, fmt.Errorf("init archive: %w", err)
		}
		g.archiver = a
		g.sink = a
	}

	if cfg.Observability.Enabled {
		var wopts []writer.Option
		if g.sink != nil {
			wopts = append(wopts, writer.WithSink(g.sink))
		}
		g.writer = writer.New(g.store, writer.Config{
			QueueCapacity: cfg.Observability.QueueCapacity,
			BatchSize:     cfg.Observability.BatchSize,
			FlushInterval: cfg.Observability.FlushInterval,
			MaxRetries:    cfg.Observability.MaxRetries,
		}, g.logger, wopts...)
	}

	if g.cache == nil {
		c, err := openCache(cfg.Cache)
		if err != nil {
			return nil, err
		}
		g.cache = c
	}

	g.executor = &executor{
		httpClient: g.httpClient,
		limits:     g.limits,
	}

	if err := g.apply(cfg); err != nil {
		return nil, err
	}

	return g, nil
}

// Reload swaps in a new configuration generation. Providers and the
// function registry are rebuilt; the store, writer, and cache backends keep
// their connections. In-flight requests finish on the snapshot they started
// with.
func (g *Gateway) Reload(cfg *config.Config) error {
	if err := g.apply(cfg); err != nil {
		return err
	}
	g.logger.Info("configuration reloaded", "functions", len(cfg.Functions), "providers", len(cfg.Providers))
	return nil
}

// apply compiles cfg into a snapshot and swaps it in.
func (g *Gateway) apply(cfg *config.Config) error {
	provs, timeouts, err := g.buildProviders(cfg.Providers)
	if err != nil {
		return err
	}

	// Each snapshot's registry gets its own rand source, seeded from the
	// gateway rng under the lock. The previous snapshot may still be
	// drawing for in-flight requests.
	g.rngMu.Lock()
	seed := g.rng.Int63()
	g.rngMu.Unlock()

	reg, err := registry.New(cfg.Functions, provs, registry.WithRand(rand.New(rand.NewSource(seed))))
	if err != nil {
		return fmt.Errorf("compile function registry: %w", err)
	}

	mode := cache.ModeOff
	if cfg.Cache.Backend != "off" && cfg.Cache.Backend != "" {
		mode = cache.ModeReadWrite
	}

	g.current.Store(&snapshot{
		registry:  reg,
		inference: cfg.Inference,
		feedback:  cfg.Feedback,
		cacheMode: mode,
		cacheTTL:  cfg.Cache.TTL,
		timeouts:  timeouts,
	})
	return nil
}

// buildProviders instantiates one adapter per configured provider, resolving
// secret references and installing rate limits. The returned timeouts map
// goes into the snapshot untouched afterwards.
func (g *Gateway) buildProviders(cfgs []config.ProviderConfig) (map[string]provider.Provider, map[string]time.Duration, error) {
	out := make(map[string]provider.Provider, len(cfgs))
	timeouts := make(map[string]time.Duration, len(cfgs))
	for _, pc := range cfgs {
		apiKey, err := g.secrets.Resolve(context.Background(), pc.APIKey)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: resolve api key: %w", pc.Name, err)
		}

		p, err := providers.Create(provider.Config{
			Name:    pc.Name,
			Type:    pc.Type,
			APIKey:  apiKey,
			BaseURL: pc.BaseURL,
			Timeout: pc.Timeout,
			Headers: pc.Headers,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}

		out[pc.Name] = p
		g.limits.Set(pc.Name, pc.RPM, pc.Burst)
		timeouts[pc.Name] = pc.Timeout
	}
	return out, timeouts, nil
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.DSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

func openCache(cfg config.CacheConfig) (cache.Cache, error) {
	switch cfg.Backend {
	case "memory":
		return cache.NewMemory(cfg.TTL), nil
	case "redis":
		return cache.NewRedis(cache.RedisConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			DB:         cfg.RedisDB,
			DefaultTTL: cfg.TTL,
		})
	default:
		return nil, nil
	}
}

// Inference executes one non-streaming request: resolve, consult the cache,
// then walk the fallback candidates until one succeeds.
func (g *Gateway) Inference(ctx context.Context, req *types.InferenceRequest) (*types.InferenceResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	snap := g.current.Load()
	fn, candidates, err := snap.registry.Resolve(req.FunctionName, req.VariantName)
	if err != nil {
		return nil, err
	}

	inferenceID := newUUID()
	episodeID := episodeFor(req)

	ctx, span := observability.StartInferenceSpan(ctx, g.tracer, req.FunctionName, false)
	defer span.End()

	mode, err := g.effectiveCacheMode(snap, req)
	if err != nil {
		return nil, err
	}

	var key string
	if mode.Readable() || mode.Writable() {
		key, err = cache.BuildKey(req.FunctionName, req.VariantName, req.Input, req.Params)
		if err != nil {
			key = ""
		}
	}

	if mode.Readable() && key != "" {
		if resp := g.serveCacheHit(ctx, key, fn.Name, req, inferenceID, episodeID); resp != nil {
			return resp, nil
		}
	}

	c := g.newCoordinator(snap, fn, candidates, req, inferenceID, episodeID)
	resp, err := c.run(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if mode.Writable() && key != "" && !req.Dryrun {
		entry := &cache.Entry{
			VariantName:  resp.VariantName,
			Content:      resp.Content,
			Output:       resp.Output,
			FinishReason: resp.FinishReason,
		}
		if cerr := g.cache.Set(ctx, key, entry, snap.cacheTTL); cerr != nil {
			g.logger.Warn("cache store failed", "function", fn.Name, "error", cerr)
		}
	}

	return resp, nil
}

// serveCacheHit returns a response built from the cache, or nil on a miss.
// Hits mint fresh ids and still produce a durable record tagged as cached.
func (g *Gateway) serveCacheHit(ctx context.Context, key, function string, req *types.InferenceRequest, inferenceID, episodeID uuid.UUID) *types.InferenceResponse {
	entry, ok, err := g.cache.Get(ctx, key)
	if err != nil {
		g.logger.Warn("cache lookup failed", "function", function, "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	metrics.CacheHits.WithLabelValues(function).Inc()
	metrics.InferenceTotal.WithLabelValues(function, entry.VariantName, string(store.OutcomeSuccess)).Inc()

	resp := &types.InferenceResponse{
		InferenceID:  inferenceID,
		EpisodeID:    episodeID,
		VariantName:  entry.VariantName,
		Content:      entry.Content,
		Output:       entry.Output,
		FinishReason: entry.FinishReason,
		Cached:       true,
	}

	if !req.Dryrun && g.writer != nil {
		rawInput, _ := json.Marshal(req.Input)
		output, _ := json.Marshal(resp)
		g.writer.EnqueueInference(&store.InferenceRecord{
			ID:           inferenceID,
			EpisodeID:    episodeID,
			FunctionName: function,
			VariantName:  entry.VariantName,
			Input:        rawInput,
			Output:       output,
			FinishReason: entry.FinishReason,
			Outcome:      store.OutcomeSuccess,
			Cached:       true,
			Tags:         req.Tags,
			CreatedAt:    time.Now().UTC(),
		})
	}

	return resp
}

// InferenceStream executes one streaming request. The fallback loop covers
// stream establishment only: once a provider starts emitting chunks, the
// stream runs to completion or failure without switching variants.
func (g *Gateway) InferenceStream(ctx context.Context, req *types.InferenceRequest) (*StreamReader, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	snap := g.current.Load()
	fn, candidates, err := snap.registry.Resolve(req.FunctionName, req.VariantName)
	if err != nil {
		return nil, err
	}

	// Streaming responses always bypass the cache; the mode is still
	// validated so a bad override fails loudly.
	if !cache.Mode(req.CacheMode).Valid() {
		return nil, inferrors.NewInvalidRequest("", "", fmt.Sprintf("invalid cache_mode %q", req.CacheMode))
	}

	ctx, span := observability.StartInferenceSpan(ctx, g.tracer, req.FunctionName, true)
	defer span.End()

	c := g.newCoordinator(snap, fn, candidates, req, newUUID(), episodeFor(req))
	reader, err := c.runStream(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return reader, nil
}

// Feedback validates and records one feedback signal against a past
// inference or episode.
func (g *Gateway) Feedback(ctx context.Context, req *types.FeedbackRequest) (*types.FeedbackResponse, error) {
	if req.MetricName == "" {
		return nil, inferrors.NewInvalidRequest("", "", "metric_name is required")
	}
	if (req.InferenceID == nil) == (req.EpisodeID == nil) {
		return nil, inferrors.NewInvalidRequest("", "", "exactly one of inference_id and episode_id must be set")
	}

	snap := g.current.Load()

	targetType := "inference"
	var targetID uuid.UUID
	if req.InferenceID != nil {
		targetID = *req.InferenceID
	} else {
		targetType = "episode"
		targetID = *req.EpisodeID
	}

	switch req.MetricName {
	case types.MetricComment:
		// Free-form; either target level is legal.
	case types.MetricDemonstration:
		if req.InferenceID == nil {
			return nil, inferrors.NewInvalidRequest("", "", "demonstration feedback requires inference_id")
		}
	default:
		metric, ok := snap.feedback.Metrics[req.MetricName]
		if !ok {
			return nil, inferrors.NewInvalidRequest("", "", fmt.Sprintf("unknown feedback metric %q", req.MetricName))
		}
		if metric.Level != targetType {
			return nil, inferrors.NewInvalidRequest("", "", fmt.Sprintf("metric %q is %s-level, got %s target", req.MetricName, metric.Level, targetType))
		}
		if err := validateMetricValue(metric.Type, req.Value); err != nil {
			return nil, err
		}
	}

	id := newUUID()
	metrics.FeedbackTotal.WithLabelValues(req.MetricName).Inc()

	if !req.Dryrun && g.writer != nil {
		g.writer.EnqueueFeedback(&store.FeedbackRecord{
			ID:         id,
			MetricName: req.MetricName,
			TargetType: targetType,
			TargetID:   targetID,
			Value:      req.Value,
			Tags:       req.Tags,
			CreatedAt:  time.Now().UTC(),
		})
	}

	return &types.FeedbackResponse{FeedbackID: id}, nil
}

// Ping checks the durable store connection, for health endpoints.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.store.Ping(ctx)
}

// Functions lists the registered function names.
func (g *Gateway) Functions() []string {
	return g.current.Load().registry.Functions()
}

// Close drains the observability writer and releases backend connections.
func (g *Gateway) Close(ctx context.Context) error {
	var firstErr error
	if g.writer != nil {
		if err := g.writer.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if g.archiver != nil {
		if err := g.archiver.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if g.cache != nil {
		if err := g.cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := g.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := g.secrets.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// effectiveCacheMode combines the server default with the request override.
func (g *Gateway) effectiveCacheMode(snap *snapshot, req *types.InferenceRequest) (cache.Mode, error) {
	mode := cache.Mode(req.CacheMode)
	if !mode.Valid() {
		return cache.ModeOff, inferrors.NewInvalidRequest("", "", fmt.Sprintf("invalid cache_mode %q", req.CacheMode))
	}
	if mode == "" {
		mode = snap.cacheMode
	}
	if g.cache == nil {
		mode = cache.ModeOff
	}
	return mode, nil
}

func validateRequest(req *types.InferenceRequest) error {
	if req == nil || req.FunctionName == "" {
		return inferrors.NewInvalidRequest("", "", "function_name is required")
	}
	if len(req.Input.Messages) == 0 && len(req.Input.System) == 0 {
		return inferrors.NewInvalidRequest("", "", "input must contain at least one message or a system entry")
	}
	return nil
}

func validateMetricValue(metricType string, value json.RawMessage) error {
	switch metricType {
	case "float":
		var f float64
		if err := json.Unmarshal(value, &f); err != nil {
			return inferrors.NewInvalidRequest("", "", "metric value must be a number")
		}
	case "boolean":
		var b bool
		if err := json.Unmarshal(value, &b); err != nil {
			return inferrors.NewInvalidRequest("", "", "metric value must be a boolean")
		}
	}
	return nil
}

// episodeFor returns the request's episode id, minting one when absent.
func episodeFor(req *types.InferenceRequest) uuid.UUID {
	if req.EpisodeID != nil {
		return *req.EpisodeID
	}
	return newUUID()
}
