package infermux

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
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

// maxStreamLineSize bounds one SSE line from a provider stream.
const maxStreamLineSize = 1 << 20

// StreamReader delivers the chunks of one streaming inference in provider
// order. Recv returns io.EOF after the final chunk; Close abandons the
// stream and releases the underlying connection.
type StreamReader struct {
	inferenceID uuid.UUID
	episodeID   uuid.UUID
	variantName string

	ch     chan *types.InferenceChunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
}

// InferenceID returns the id assigned to this streaming inference.
func (s *StreamReader) InferenceID() uuid.UUID { return s.inferenceID }

// EpisodeID returns the episode this inference belongs to.
func (s *StreamReader) EpisodeID() uuid.UUID { return s.episodeID }

// VariantName returns the variant serving this stream.
func (s *StreamReader) VariantName() string { return s.variantName }

// Recv blocks for the next chunk. It returns io.EOF when the stream ended
// cleanly and the terminal error when it did not.
func (s *StreamReader) Recv() (*types.InferenceChunk, error) {
	chunk, ok := <-s.ch
	if !ok {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	return chunk, nil
}

// Close abandons the stream. The accumulated partial response is still
// persisted with a cancelled outcome.
func (s *StreamReader) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (s *StreamReader) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// streamMux owns one open provider stream: it reads events, accumulates the
// full response for the durable record, and forwards each chunk to the
// client in arrival order. Accumulation happens before forwarding, so a
// consumer that stops reading can never lose the record.
type streamMux struct {
	gateway *Gateway
	coord   *coordinator
	variant *registry.Variant
	result  *attemptResult
	reader  *StreamReader
	span    trace.Span
	cancel  context.CancelFunc

	accum  strings.Builder
	usage  types.Usage
	finish types.FinishReason

	opened     time.Time
	firstChunk time.Time
}

// startStream wires the multiplexer for a freshly opened provider stream and
// returns its reader. cancel covers the request budget context; the mux owns
// calling it once the stream settles.
func (g *Gateway) startStream(ctx context.Context, cancel context.CancelFunc, span trace.Span, c *coordinator, v *registry.Variant, res *attemptResult) *StreamReader {
	reader := &StreamReader{
		inferenceID: c.inferenceID,
		episodeID:   c.episodeID,
		variantName: v.Name,
		ch:          make(chan *types.InferenceChunk, c.snap.inference.StreamBufferSize),
		cancel:      cancel,
	}

	m := &streamMux{
		gateway: g,
		coord:   c,
		variant: v,
		result:  res,
		reader:  reader,
		span:    span,
		cancel:  cancel,
		opened:  time.Now(),
	}
	go m.pump(ctx)

	return reader
}

func (m *streamMux) pump(ctx context.Context) {
	defer m.result.body.Close()

	outcome := store.OutcomeSuccess
	var terminal error

	scanner := bufio.NewScanner(m.result.body)
	scanner.Buffer(make([]byte, 4096), maxStreamLineSize)

scan:
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		chunk, err := m.variant.Provider.ParseStreamChunk(line)
		if err != nil {
			outcome = store.OutcomeError
			terminal = fillErrorOrigin(m.variant, err)
			break scan
		}
		if chunk == nil {
			continue // keep-alive
		}
		if chunk.Done {
			break scan
		}

		// Accumulate before forwarding: the durable record must include
		// every chunk the provider produced, read or not.
		m.accum.WriteString(chunk.Delta)
		if chunk.Usage != nil {
			m.usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			m.finish = chunk.FinishReason
		}
		if m.firstChunk.IsZero() {
			m.firstChunk = time.Now()
			metrics.TimeToFirstChunk.WithLabelValues(m.coord.fn.Name, m.variant.Name).Observe(time.Since(m.opened).Seconds())
		}

		out := &types.InferenceChunk{
			InferenceID:  m.reader.inferenceID,
			EpisodeID:    m.reader.episodeID,
			VariantName:  m.reader.variantName,
			Delta:        chunk.Delta,
			Usage:        chunk.Usage,
			FinishReason: chunk.FinishReason,
		}
		select {
		case m.reader.ch <- out:
		case <-ctx.Done():
			outcome = store.OutcomeCancelled
			break scan
		}
	}

	if outcome == store.OutcomeSuccess {
		switch {
		case ctx.Err() != nil:
			outcome = store.OutcomeCancelled
		case scanner.Err() != nil:
			outcome = store.OutcomeError
			terminal = inferrors.NewProviderUnavailable(m.variant.ProviderName, m.variant.Model, "stream interrupted: "+scanner.Err().Error()).WithCause(scanner.Err())
		}
	}

	if terminal != nil {
		m.reader.setErr(terminal)
		observability.RecordError(m.span, terminal)
	} else {
		observability.RecordResponse(m.span, m.usage.InputTokens, m.usage.OutputTokens, string(m.finish))
	}
	m.span.End()

	// Records are settled before the channel closes, so a consumer that
	// observed EOF can rely on the durable rows being enqueued.
	m.finalize(outcome, terminal)
	close(m.reader.ch)
	m.cancel()
}

// finalize settles metrics and durable records once the stream has ended,
// in any outcome.
func (m *streamMux) finalize(outcome store.Outcome, terminal error) {
	c := m.coord
	v := m.variant
	text := m.accum.String()
	finish := m.finish

	switch outcome {
	case store.OutcomeCancelled:
		c.state = stateCancelled
		finish = types.FinishCancelled
	case store.OutcomeError:
		c.state = stateExhausted
	default:
		if finish == "" {
			finish = types.FinishUnknown
		}
	}

	attemptResultLabel := "success"
	if terminal != nil {
		attemptResultLabel = string(inferrors.KindOf(terminal))
	}
	elapsed := time.Since(c.start)
	metrics.AttemptTotal.WithLabelValues(c.fn.Name, v.Name, v.ProviderName, attemptResultLabel).Inc()
	metrics.InferenceTotal.WithLabelValues(c.fn.Name, v.Name, string(outcome)).Inc()
	metrics.InferenceLatency.WithLabelValues(c.fn.Name, v.Name).Observe(elapsed.Seconds())
	metrics.InputTokens.WithLabelValues(c.fn.Name, v.Name, v.ProviderName).Add(float64(m.usage.InputTokens))
	metrics.OutputTokens.WithLabelValues(c.fn.Name, v.Name, v.ProviderName).Add(float64(m.usage.OutputTokens))

	if c.skipWrites() {
		return
	}

	errMsg := ""
	switch {
	case terminal != nil:
		errMsg = terminal.Error()
	case outcome == store.OutcomeCancelled:
		// Cancellation carries no terminal error, but the failed records
		// still need to say why the stream ended early.
		errMsg = inferrors.NewCancelled("stream cancelled before completion").Error()
	}

	rawResp, _ := json.Marshal(struct {
		Text         string             `json:"text"`
		FinishReason types.FinishReason `json:"finish_reason,omitempty"`
	}{Text: text, FinishReason: finish})

	m.gateway.writer.EnqueueModelInference(&store.ModelInferenceRecord{
		ID:           newUUID(),
		InferenceID:  c.inferenceID,
		VariantName:  v.Name,
		Provider:     v.ProviderName,
		Model:        v.Model,
		RawRequest:   m.result.rawRequest,
		RawResponse:  rawResp,
		Usage:        m.usage,
		FinishReason: finish,
		Success:      outcome == store.OutcomeSuccess,
		Error:        errMsg,
		LatencyMS:    elapsed.Milliseconds(),
		CreatedAt:    time.Now().UTC(),
	})

	resp := &types.InferenceResponse{
		InferenceID:  c.inferenceID,
		EpisodeID:    c.episodeID,
		VariantName:  v.Name,
		Usage:        m.usage,
		FinishReason: finish,
	}
	if c.fn.Kind == types.FunctionJSON {
		resp.Output = types.ParseJSONOutput(text)
	} else {
		resp.Content = []types.ContentBlock{types.TextBlock(text)}
	}
	output, _ := json.Marshal(resp)

	m.gateway.writer.EnqueueInference(&store.InferenceRecord{
		ID:           c.inferenceID,
		EpisodeID:    c.episodeID,
		FunctionName: c.fn.Name,
		VariantName:  v.Name,
		Input:        c.rawInput,
		Output:       output,
		Usage:        m.usage,
		FinishReason: finish,
		Outcome:      outcome,
		Error:        errMsg,
		LatencyMS:    elapsed.Milliseconds(),
		Tags:         c.req.Tags,
		CreatedAt:    time.Now().UTC(),
	})
}
