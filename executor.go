package infermux

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/infermux/infermux/internal/ratelimit"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
	"github.com/infermux/infermux/registry"
)

// maxErrorBodySize bounds how much of a provider error payload is read.
const maxErrorBodySize = 64 * 1024

// executor drives exactly one variant through exactly one attempt: render
// the prompt templates, apply the provider rate limit, dispatch the HTTP
// call, and normalize the result. Retry and fallback live above it in the
// coordinator.
type executor struct {
	httpClient *http.Client
	limits     *ratelimit.Pool
}

// attemptResult carries everything one attempt produced: the canonical
// request that went out, and either a parsed response or an open stream.
type attemptResult struct {
	variant    *registry.Variant
	modelReq   *types.ModelRequest
	rawRequest json.RawMessage

	// response is set for non-streaming successes.
	response *types.ModelResponse

	// body is the open provider stream for streaming successes. The
	// caller owns closing it.
	body io.ReadCloser

	latency time.Duration
}

// execute runs one attempt. A nil error means the attempt succeeded: for
// non-streaming calls the response is parsed, for streaming calls the
// provider stream is open and ready to read. timeout bounds this attempt
// alone; zero means no bound beyond ctx. It comes from the request's config
// snapshot, never from mutable gateway state.
func (e *executor) execute(ctx context.Context, v *registry.Variant, req *types.InferenceRequest, kind types.FunctionKind, stream bool, timeout time.Duration) (*attemptResult, error) {
	system, err := v.Renderer.RenderSystem(req.Input)
	if err != nil {
		return nil, err
	}
	messages, err := v.Renderer.RenderMessages(req.Input.Messages)
	if err != nil {
		return nil, err
	}

	modelReq := &types.ModelRequest{
		Model:    v.Model,
		System:   system,
		Messages: messages,
		Params:   v.Params.Merge(req.Params),
		Stream:   stream,
		JSONMode: kind == types.FunctionJSON,
	}

	rawReq, err := json.Marshal(modelReq)
	if err != nil {
		return nil, inferrors.NewInternal("marshal model request: " + err.Error()).WithCause(err)
	}

	result := &attemptResult{
		variant:    v,
		modelReq:   modelReq,
		rawRequest: rawReq,
	}

	if err := e.limits.Wait(ctx, v.ProviderName); err != nil {
		return result, classifyTransportError(ctx, v, err)
	}

	attemptCtx := ctx
	if timeout > 0 && !stream {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := v.Provider.BuildRequest(attemptCtx, modelReq)
	if err != nil {
		return result, inferrors.NewInternal("build provider request: " + err.Error()).WithCause(err)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		result.latency = time.Since(start)
		return result, classifyTransportError(attemptCtx, v, err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		_ = resp.Body.Close()
		result.latency = time.Since(start)
		return result, fillErrorOrigin(v, v.Provider.MapError(resp.StatusCode, body))
	}

	if stream {
		result.body = resp.Body
		result.latency = time.Since(start)
		return result, nil
	}

	defer func() { _ = resp.Body.Close() }()

	parsed, err := v.Provider.ParseResponse(resp)
	result.latency = time.Since(start)
	if err != nil {
		return result, fillErrorOrigin(v, err)
	}
	if parsed.FinishReason == "" {
		parsed.FinishReason = types.FinishUnknown
	}

	result.response = parsed
	return result, nil
}

// classifyTransportError maps dial/read/limiter failures into the shared
// taxonomy. Context expiry distinguishes the request budget from a caller
// hang-up.
func classifyTransportError(ctx context.Context, v *registry.Variant, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return inferrors.NewTimeout(v.ProviderName, v.Model, "attempt deadline exceeded").WithCause(err)
	case ctx.Err() == context.Canceled:
		return inferrors.NewCancelled("request cancelled").WithCause(err)
	default:
		return inferrors.NewProviderUnavailable(v.ProviderName, v.Model, err.Error()).WithCause(err)
	}
}

// fillErrorOrigin stamps the variant's provider and model onto adapter
// errors that did not know them.
func fillErrorOrigin(v *registry.Variant, err error) error {
	var ie *inferrors.InferenceError
	if errors.As(err, &ie) {
		if ie.Provider == "" {
			ie.Provider = v.ProviderName
		}
		if ie.Model == "" {
			ie.Model = v.Model
		}
	}
	return err
}
