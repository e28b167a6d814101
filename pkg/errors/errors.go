// Package errors defines the shared error taxonomy for gateway operations.
// Provider-specific failures are normalized into these kinds so that the
// fallback coordinator can make retry decisions without knowing which
// backend produced the error.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an inference failure. The coordinator's transition rules
// operate on kinds, never on provider-specific error shapes.
type Kind string

const (
	// KindUnknownFunction means the requested function name is not registered.
	KindUnknownFunction Kind = "unknown_function"

	// KindUnknownVariant means a pinned variant name does not exist under the
	// requested function.
	KindUnknownVariant Kind = "unknown_variant"

	// KindTemplateRender means a prompt template failed to render for one
	// variant. No network call was made for that attempt.
	KindTemplateRender Kind = "template_render_error"

	// KindRateLimited means the provider rejected the call due to rate limits.
	KindRateLimited Kind = "rate_limited"

	// KindTimeout means the attempt (or the whole request budget) ran out of time.
	KindTimeout Kind = "timeout"

	// KindInvalidRequest means the provider judged the caller input malformed.
	KindInvalidRequest Kind = "invalid_request"

	// KindProviderUnavailable means the provider could not be reached or
	// returned a server-side failure.
	KindProviderUnavailable Kind = "provider_unavailable"

	// KindMalformedResponse means the provider answered but the payload could
	// not be parsed into the canonical form.
	KindMalformedResponse Kind = "malformed_response"

	// KindCancelled means the caller abandoned the request.
	KindCancelled Kind = "cancelled"

	// KindInternal covers gateway-side defects that fit no other kind.
	KindInternal Kind = "internal_error"
)

// InferenceError is the normalized error produced by provider adapters and
// the resolution layer. Retryable tells the coordinator whether remaining
// candidate variants may still be attempted after this failure.
type InferenceError struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Provider   string `json:"provider,omitempty"`
	Model      string `json:"model,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	Retryable  bool   `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *InferenceError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Provider != "" {
		fmt.Fprintf(&b, " (provider=%s", e.Provider)
		if e.Model != "" {
			fmt.Fprintf(&b, ", model=%s", e.Model)
		}
		if e.StatusCode > 0 {
			fmt.Fprintf(&b, ", status=%d", e.StatusCode)
		}
		b.WriteString(")")
	}
	return b.String()
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *InferenceError) Unwrap() error { return e.cause }

// WithCause attaches the originating error and returns the receiver.
func (e *InferenceError) WithCause(err error) *InferenceError {
	e.cause = err
	return e
}

// HTTPStatusCode returns the status the HTTP layer should answer with.
func (e *InferenceError) HTTPStatusCode() int {
	switch e.Kind {
	case KindUnknownFunction, KindUnknownVariant:
		return http.StatusNotFound
	case KindInvalidRequest, KindTemplateRender:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499 // client closed request
	case KindProviderUnavailable, KindMalformedResponse:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewUnknownFunction reports an unregistered function name.
func NewUnknownFunction(name string) *InferenceError {
	return &InferenceError{
		Kind:    KindUnknownFunction,
		Message: fmt.Sprintf("unknown function %q", name),
	}
}

// NewUnknownVariant reports a pinned variant missing under a function.
func NewUnknownVariant(function, variant string) *InferenceError {
	return &InferenceError{
		Kind:    KindUnknownVariant,
		Message: fmt.Sprintf("unknown variant %q for function %q", variant, function),
	}
}

// NewTemplateRender reports a failed prompt render. The failure is final for
// the variant that owns the template but other candidates may proceed.
func NewTemplateRender(variant string, err error) *InferenceError {
	return &InferenceError{
		Kind:      KindTemplateRender,
		Message:   fmt.Sprintf("render templates for variant %q: %v", variant, err),
		Retryable: true,
		cause:     err,
	}
}

// NewRateLimited reports a provider rate-limit rejection (HTTP 429).
func NewRateLimited(provider, model, message string) *InferenceError {
	return &InferenceError{
		Kind:       KindRateLimited,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusTooManyRequests,
		Retryable:  true,
	}
}

// NewTimeout reports an attempt that ran out of time.
func NewTimeout(provider, model, message string) *InferenceError {
	return &InferenceError{
		Kind:       KindTimeout,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusRequestTimeout,
		Retryable:  true,
	}
}

// NewInvalidRequest reports caller input the provider rejected as malformed.
// Not retryable: by default the coordinator aborts the remaining candidates,
// since they would fail identically on the same input.
func NewInvalidRequest(provider, model, message string) *InferenceError {
	return &InferenceError{
		Kind:       KindInvalidRequest,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusBadRequest,
	}
}

// NewProviderUnavailable reports an unreachable or failing backend.
func NewProviderUnavailable(provider, model, message string) *InferenceError {
	return &InferenceError{
		Kind:       KindProviderUnavailable,
		Message:    message,
		Provider:   provider,
		Model:      model,
		StatusCode: http.StatusServiceUnavailable,
		Retryable:  true,
	}
}

// NewMalformedResponse reports an unparseable provider payload. Retryable:
// it signals a provider-side anomaly, not a caller defect.
func NewMalformedResponse(provider, model string, err error) *InferenceError {
	return &InferenceError{
		Kind:      KindMalformedResponse,
		Message:   fmt.Sprintf("parse provider response: %v", err),
		Provider:  provider,
		Model:     model,
		Retryable: true,
		cause:     err,
	}
}

// NewCancelled reports caller-initiated cancellation.
func NewCancelled(message string) *InferenceError {
	return &InferenceError{Kind: KindCancelled, Message: message}
}

// NewInternal reports a gateway-side defect.
func NewInternal(message string) *InferenceError {
	return &InferenceError{Kind: KindInternal, Message: message}
}

// KindOf extracts the Kind from any error, unwrapping as needed. Context
// errors map to their gateway equivalents so callers can classify failures
// from plain net/http plumbing.
func KindOf(err error) Kind {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// IsRetryable reports whether remaining candidates may still be attempted
// after err. Unclassified errors are treated as retryable provider faults
// so that a transport hiccup on one backend does not doom the request.
func IsRetryable(err error) bool {
	var ie *InferenceError
	if errors.As(err, &ie) {
		return ie.Retryable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Attempt pairs one failed variant attempt with its classified error, for
// inclusion in an AggregateError.
type Attempt struct {
	Variant  string `json:"variant"`
	Provider string `json:"provider,omitempty"`
	Kind     Kind   `json:"kind"`
	Message  string `json:"message"`
}

// AggregateError is the terminal failure surfaced when every candidate
// variant was exhausted. It enumerates each attempt's error kind so callers
// can diagnose which backend failed and why.
type AggregateError struct {
	Function string    `json:"function"`
	Kind     Kind      `json:"kind"` // dominant kind: Timeout when the budget expired, else the last attempt's kind
	Attempts []Attempt `json:"attempts"`
}

// Error implements the error interface.
func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "all variants exhausted for function %q (%d attempt", e.Function, len(e.Attempts))
	if len(e.Attempts) != 1 {
		b.WriteString("s")
	}
	b.WriteString(")")
	for _, a := range e.Attempts {
		fmt.Fprintf(&b, "; %s: %s", a.Variant, a.Kind)
	}
	return b.String()
}

// HTTPStatusCode maps the aggregate's dominant kind for the HTTP layer.
func (e *AggregateError) HTTPStatusCode() int {
	ie := &InferenceError{Kind: e.Kind}
	return ie.HTTPStatusCode()
}
