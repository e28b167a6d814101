// Package api exposes the gateway over HTTP: JSON request/response for
// non-streaming inference and feedback, server-sent events for streaming.
package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/infermux/infermux"
	inferrors "github.com/infermux/infermux/pkg/errors"
	"github.com/infermux/infermux/pkg/types"
)

// maxRequestBodySize bounds inbound request bodies.
const maxRequestBodySize = 10 << 20

// Handler is the HTTP surface over one gateway.
type Handler struct {
	gateway *infermux.Gateway
	logger  *slog.Logger
}

// New creates the HTTP handler.
func New(gw *infermux.Gateway, logger *slog.Logger) *Handler {
	return &Handler{gateway: gw, logger: logger}
}

// Routes builds the route table.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /inference", h.handleInference)
	mux.HandleFunc("POST /feedback", h.handleFeedback)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	return mux
}

func (h *Handler) handleInference(w http.ResponseWriter, r *http.Request) {
	var req types.InferenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		h.streamInference(w, r, &req)
		return
	}

	resp, err := h.gateway.Inference(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamInference relays gateway chunks as SSE events, terminated by a
// [DONE] sentinel. A failure before the first chunk maps to a regular error
// response; after that the error travels as a final event.
func (h *Handler) streamInference(w http.ResponseWriter, r *http.Request, req *types.InferenceRequest) {
	reader, err := h.gateway.InferenceStream(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	defer func() { _ = reader.Close() }()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, inferrors.NewInternal("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		chunk, err := reader.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.writeStreamError(w, err)
			}
			fmt.Fprint(w, "data: [DONE]\n\n")
			flusher.Flush()
			return
		}

		payload, err := json.Marshal(chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

func (h *Handler) writeStreamError(w http.ResponseWriter, err error) {
	detail := errorDetail{Kind: string(inferrors.KindOf(err)), Message: err.Error()}
	payload, merr := json.Marshal(errorBody{Error: detail})
	if merr != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (h *Handler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req types.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := h.gateway.Feedback(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.gateway.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return inferrors.NewInvalidRequest("", "", "decode request body: "+err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
