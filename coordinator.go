package infermux

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/infermux/infermux/internal/metrics"
	"github.com/infermux/infermux/internal/observability"
	"github.com/infermux/infermux/internal/store"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
	"github.com/infermux/infermux/registry"
)

// coordinatorState tracks one request through the fallback loop.
type coordinatorState int

const (
	statePending coordinatorState = iota
	stateAttempting
	stateSucceeded
	stateExhausted
	stateCancelled
)

// coordinator walks the candidate order for one request: at most one attempt
// per variant, in sequence, until a variant succeeds or the candidates run
// out. It owns record emission for every attempt it makes.
type coordinator struct {
	gateway *Gateway
	logger  *slog.Logger
	tracer  trace.Tracer

	// snap is the configuration generation this request resolved against.
	// Every config read below goes through it, so a reload mid-request
	// never changes budgets, timeouts, or fallback behavior underfoot.
	snap *snapshot

	fn         *registry.Function
	candidates []*registry.Variant
	req        *types.InferenceRequest

	inferenceID uuid.UUID
	episodeID   uuid.UUID
	rawInput    json.RawMessage
	start       time.Time

	state    coordinatorState
	attempts []inferrors.Attempt
}

func (g *Gateway) newCoordinator(snap *snapshot, fn *registry.Function, candidates []*registry.Variant, req *types.InferenceRequest, inferenceID, episodeID uuid.UUID) *coordinator {
	rawInput, _ := json.Marshal(req.Input)
	return &coordinator{
		gateway:     g,
		logger:      g.logger,
		tracer:      g.tracer,
		snap:        snap,
		fn:          fn,
		candidates:  candidates,
		req:         req,
		inferenceID: inferenceID,
		episodeID:   episodeID,
		rawInput:    rawInput,
		start:       time.Now(),
		state:       statePending,
	}
}

// run drives the non-streaming fallback loop to a terminal state.
func (c *coordinator) run(ctx context.Context) (*types.InferenceResponse, error) {
	callerCtx := ctx
	if budget := c.snap.inference.RequestTimeout; budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	for _, v := range c.candidates {
		c.state = stateAttempting
		attemptCtx, span := observability.StartAttemptSpan(ctx, c.tracer, v.ProviderName, v.Model, v.Name)

		res, err := c.gateway.executor.execute(attemptCtx, v, c.req, c.fn.Kind, false, c.snap.timeouts[v.ProviderName])
		if err == nil {
			observability.RecordResponse(span, res.response.Usage.InputTokens, res.response.Usage.OutputTokens, string(res.response.FinishReason))
			span.End()
			c.state = stateSucceeded
			return c.succeed(v, res), nil
		}
		observability.RecordError(span, err)
		span.End()

		c.recordFailure(v, res, err)
		if halt, terminal := c.afterFailure(callerCtx, ctx, err); halt {
			return nil, terminal
		}
	}

	c.state = stateExhausted
	return nil, c.exhausted(inferrors.KindOf(lastAttemptErr(c.attempts)))
}

// runStream drives the fallback loop until one variant's stream is open. The
// returned reader owns the remainder of the request lifecycle, including the
// request budget cancel.
func (c *coordinator) runStream(ctx context.Context) (*StreamReader, error) {
	callerCtx := ctx
	var cancel context.CancelFunc
	if budget := c.snap.inference.RequestTimeout; budget > 0 {
		ctx, cancel = context.WithTimeout(ctx, budget)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	for _, v := range c.candidates {
		c.state = stateAttempting
		attemptCtx, span := observability.StartAttemptSpan(ctx, c.tracer, v.ProviderName, v.Model, v.Name)

		res, err := c.gateway.executor.execute(attemptCtx, v, c.req, c.fn.Kind, true, c.snap.timeouts[v.ProviderName])
		if err == nil {
			// The stream is open; this attempt won. Terminal outcome
			// and records are settled by the multiplexer at stream end.
			c.state = stateSucceeded
			return c.gateway.startStream(ctx, cancel, span, c, v, res), nil
		}
		observability.RecordError(span, err)
		span.End()

		c.recordFailure(v, res, err)
		if halt, terminal := c.afterFailure(callerCtx, ctx, err); halt {
			cancel()
			return nil, terminal
		}
	}

	cancel()
	c.state = stateExhausted
	return nil, c.exhausted(inferrors.KindOf(lastAttemptErr(c.attempts)))
}

// afterFailure applies the transition rules between candidates. It returns
// halt=true with the terminal error when the loop must stop before the next
// candidate: caller hang-up, exhausted request budget, or a non-retryable
// failure.
func (c *coordinator) afterFailure(callerCtx, budgetCtx context.Context, err error) (bool, error) {
	if callerCtx.Err() != nil && errors.Is(callerCtx.Err(), context.Canceled) {
		c.state = stateCancelled
		terminal := inferrors.NewCancelled("request cancelled by caller").WithCause(err)
		c.finishRecord(store.OutcomeCancelled, terminal.Error(), nil, types.Usage{}, types.FinishCancelled)
		metrics.InferenceTotal.WithLabelValues(c.fn.Name, c.lastVariant(), string(store.OutcomeCancelled)).Inc()
		return true, terminal
	}

	if budgetCtx.Err() != nil {
		c.state = stateExhausted
		return true, c.exhausted(inferrors.KindTimeout)
	}

	kind := inferrors.KindOf(err)
	if kind == inferrors.KindInvalidRequest && c.snap.inference.FallbackOnInvalidRequest {
		return false, nil
	}
	if !inferrors.IsRetryable(err) {
		c.state = stateExhausted
		return true, c.exhausted(kind)
	}

	return false, nil
}

// succeed settles the winning attempt: response construction, records,
// metrics.
func (c *coordinator) succeed(v *registry.Variant, res *attemptResult) *types.InferenceResponse {
	resp := &types.InferenceResponse{
		InferenceID:  c.inferenceID,
		EpisodeID:    c.episodeID,
		VariantName:  v.Name,
		Usage:        res.response.Usage,
		FinishReason: res.response.FinishReason,
	}
	if c.fn.Kind == types.FunctionJSON {
		resp.Output = types.ParseJSONOutput(res.response.Text)
	} else {
		resp.Content = []types.ContentBlock{types.TextBlock(res.response.Text)}
	}

	elapsed := time.Since(c.start)
	metrics.AttemptTotal.WithLabelValues(c.fn.Name, v.Name, v.ProviderName, "success").Inc()
	metrics.InferenceTotal.WithLabelValues(c.fn.Name, v.Name, string(store.OutcomeSuccess)).Inc()
	metrics.InferenceLatency.WithLabelValues(c.fn.Name, v.Name).Observe(elapsed.Seconds())
	metrics.InputTokens.WithLabelValues(c.fn.Name, v.Name, v.ProviderName).Add(float64(res.response.Usage.InputTokens))
	metrics.OutputTokens.WithLabelValues(c.fn.Name, v.Name, v.ProviderName).Add(float64(res.response.Usage.OutputTokens))

	if c.skipWrites() {
		return resp
	}

	rawResp := res.response.Raw
	if rawResp == nil {
		rawResp, _ = json.Marshal(res.response)
	}
	c.gateway.writer.EnqueueModelInference(&store.ModelInferenceRecord{
		ID:           newUUID(),
		InferenceID:  c.inferenceID,
		VariantName:  v.Name,
		Provider:     v.ProviderName,
		Model:        v.Model,
		RawRequest:   res.rawRequest,
		RawResponse:  rawResp,
		Usage:        res.response.Usage,
		FinishReason: res.response.FinishReason,
		Success:      true,
		LatencyMS:    res.latency.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	})

	output, _ := json.Marshal(resp)
	c.gateway.writer.EnqueueInference(&store.InferenceRecord{
		ID:           c.inferenceID,
		EpisodeID:    c.episodeID,
		FunctionName: c.fn.Name,
		VariantName:  v.Name,
		Input:        c.rawInput,
		Output:       output,
		Usage:        res.response.Usage,
		FinishReason: res.response.FinishReason,
		Outcome:      store.OutcomeSuccess,
		LatencyMS:    elapsed.Milliseconds(),
		Tags:         c.req.Tags,
		CreatedAt:    time.Now().UTC(),
	})

	return resp
}

// recordFailure books one failed attempt: aggregate entry, model inference
// record, attempt metric.
func (c *coordinator) recordFailure(v *registry.Variant, res *attemptResult, err error) {
	kind := inferrors.KindOf(err)
	c.attempts = append(c.attempts, inferrors.Attempt{
		Variant:  v.Name,
		Provider: v.ProviderName,
		Kind:     kind,
		Message:  err.Error(),
	})
	metrics.AttemptTotal.WithLabelValues(c.fn.Name, v.Name, v.ProviderName, string(kind)).Inc()
	c.logger.Warn("variant attempt failed",
		"function", c.fn.Name,
		"variant", v.Name,
		"provider", v.ProviderName,
		"kind", string(kind),
		"error", err,
	)

	if c.skipWrites() {
		return
	}

	rec := &store.ModelInferenceRecord{
		ID:          newUUID(),
		InferenceID: c.inferenceID,
		VariantName: v.Name,
		Provider:    v.ProviderName,
		Model:       v.Model,
		Success:     false,
		Error:       err.Error(),
		CreatedAt:   time.Now().UTC(),
	}
	if res != nil {
		rec.RawRequest = res.rawRequest
		rec.LatencyMS = res.latency.Milliseconds()
	}
	c.gateway.writer.EnqueueModelInference(rec)
}

// exhausted builds the terminal aggregate error and books the failed
// inference record. dominant is Timeout when the request budget expired,
// otherwise the kind of the last attempt.
func (c *coordinator) exhausted(dominant inferrors.Kind) error {
	agg := &inferrors.AggregateError{
		Function: c.fn.Name,
		Kind:     dominant,
		Attempts: c.attempts,
	}

	c.finishRecord(store.OutcomeError, agg.Error(), nil, types.Usage{}, "")
	metrics.InferenceTotal.WithLabelValues(c.fn.Name, c.lastVariant(), string(store.OutcomeError)).Inc()
	c.logger.Error("all variants exhausted",
		"function", c.fn.Name,
		"attempts", len(c.attempts),
		"kind", string(dominant),
	)
	return agg
}

// finishRecord books the terminal function-level record for a failed or
// cancelled inference.
func (c *coordinator) finishRecord(outcome store.Outcome, errMsg string, output json.RawMessage, usage types.Usage, finish types.FinishReason) {
	if c.skipWrites() {
		return
	}
	c.gateway.writer.EnqueueInference(&store.InferenceRecord{
		ID:           c.inferenceID,
		EpisodeID:    c.episodeID,
		FunctionName: c.fn.Name,
		VariantName:  c.lastVariant(),
		Input:        c.rawInput,
		Output:       output,
		Usage:        usage,
		FinishReason: finish,
		Outcome:      outcome,
		Error:        errMsg,
		LatencyMS:    time.Since(c.start).Milliseconds(),
		Tags:         c.req.Tags,
		CreatedAt:    time.Now().UTC(),
	})
}

// skipWrites reports whether durable writes are off for this request.
func (c *coordinator) skipWrites() bool {
	return c.req.Dryrun || c.gateway.writer == nil
}

// lastVariant names the most recently attempted variant, empty before any
// attempt.
func (c *coordinator) lastVariant() string {
	if len(c.attempts) == 0 {
		return ""
	}
	return c.attempts[len(c.attempts)-1].Variant
}

func lastAttemptErr(attempts []inferrors.Attempt) error {
	if len(attempts) == 0 {
		return inferrors.NewInternal("no candidates attempted")
	}
	last := attempts[len(attempts)-1]
	return &inferrors.InferenceError{Kind: last.Kind, Message: last.Message}
}

// newUUID mints a time-ordered identifier. UUIDv7 keeps analytical store
// inserts roughly append-ordered; the v4 fallback covers entropy failure.
func newUUID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
