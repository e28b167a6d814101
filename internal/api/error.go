package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	inferrors "github.com/infermux/infermux/pkg/errors"
)

// errorBody is the wire envelope for every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind     string              `json:"kind"`
	Message  string              `json:"message"`
	Attempts []inferrors.Attempt `json:"attempts,omitempty"`
}

// writeError maps a gateway error onto the HTTP surface. Classified errors
// carry their own status; anything else is a 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	detail := errorDetail{
		Kind:    string(inferrors.KindInternal),
		Message: err.Error(),
	}

	var ie *inferrors.InferenceError
	var agg *inferrors.AggregateError
	switch {
	case errors.As(err, &agg):
		status = agg.HTTPStatusCode()
		detail.Kind = string(agg.Kind)
		detail.Attempts = agg.Attempts
	case errors.As(err, &ie):
		status = ie.HTTPStatusCode()
		detail.Kind = string(ie.Kind)
		detail.Message = ie.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: detail})
}
