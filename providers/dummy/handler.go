package dummy

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/infermux/infermux/pkg/types"
)

// Handler serves the dummy wire protocol. Mount it in an httptest server
// or behind a loopback listener for local development.
type Handler struct {
	slowDelay  time.Duration
	flakyCalls atomic.Int64
}

// HandlerOption configures the dummy handler.
type HandlerOption func(*Handler)

// WithSlowDelay sets how long the "slow" model stalls before answering.
func WithSlowDelay(d time.Duration) HandlerOption {
	return func(h *Handler) {
		h.slowDelay = d
	}
}

// NewHandler creates a dummy server handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{slowDelay: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// FlakyCalls reports how many times the "flaky" model has been called.
func (h *Handler) FlakyCalls() int64 {
	return h.flakyCalls.Load()
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/v1/generate" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	var req types.ModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	switch req.Model {
	case ModelError:
		writeError(w, http.StatusInternalServerError, "scripted failure")
		return
	case ModelRateLimit:
		writeError(w, http.StatusTooManyRequests, "scripted rate limit")
		return
	case ModelBadRequest:
		writeError(w, http.StatusBadRequest, "scripted bad request")
		return
	case ModelFlaky:
		// Odd-numbered calls fail, even-numbered succeed.
		if h.flakyCalls.Add(1)%2 == 1 {
			writeError(w, http.StatusInternalServerError, "scripted flake")
			return
		}
	case ModelSlow:
		select {
		case <-time.After(h.slowDelay):
		case <-r.Context().Done():
			return
		}
	case ModelGood, ModelJSON, ModelEcho:
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown model %q", req.Model))
		return
	}

	text := h.completionFor(&req)
	if req.Stream {
		h.streamResponse(w, r, text)
		return
	}

	usage := FixedUsage
	writeJSON(w, http.StatusOK, wireResponse{
		Text:         text,
		Usage:        &usage,
		FinishReason: types.FinishStop,
	})
}

func (h *Handler) completionFor(req *types.ModelRequest) string {
	switch req.Model {
	case ModelJSON:
		return JSONText
	case ModelEcho:
		for i := len(req.Messages) - 1; i >= 0; i-- {
			if req.Messages[i].Role == types.RoleUser {
				return req.Messages[i].Text
			}
		}
		return ""
	default:
		return GoodText
	}
}

// streamResponse emits the completion word by word as SSE events, then a
// final event carrying usage and the finish reason.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, text string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	words := strings.SplitAfter(text, " ")
	for _, word := range words {
		if r.Context().Err() != nil {
			return
		}
		writeEvent(w, wireChunk{Delta: word})
		flusher.Flush()
	}

	usage := FixedUsage
	writeEvent(w, wireChunk{Usage: &usage, FinishReason: types.FinishStop})
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeEvent(w http.ResponseWriter, chunk wireChunk) {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"message": message},
	})
}
