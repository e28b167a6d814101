package errors

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestInferenceError_Message(t *testing.T) {
	err := NewRateLimited("openai", "gpt-4o-mini", "quota exceeded")
	msg := err.Error()

	for _, want := range []string{"rate_limited", "openai", "gpt-4o-mini", "429", "quota exceeded"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message should contain %q, got %q", want, msg)
		}
	}
}

func TestInferenceError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  *InferenceError
		want int
	}{
		{"unknown function", NewUnknownFunction("f"), http.StatusNotFound},
		{"unknown variant", NewUnknownVariant("f", "v"), http.StatusNotFound},
		{"invalid request", NewInvalidRequest("p", "m", "msg"), http.StatusBadRequest},
		{"rate limited", NewRateLimited("p", "m", "msg"), http.StatusTooManyRequests},
		{"timeout", NewTimeout("p", "m", "msg"), http.StatusGatewayTimeout},
		{"unavailable", NewProviderUnavailable("p", "m", "msg"), http.StatusBadGateway},
		{"malformed", NewMalformedResponse("p", "m", fmt.Errorf("bad json")), http.StatusBadGateway},
		{"cancelled", NewCancelled("gone"), 499},
		{"internal", NewInternal("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetryability(t *testing.T) {
	retryable := []*InferenceError{
		NewRateLimited("p", "m", "msg"),
		NewTimeout("p", "m", "msg"),
		NewProviderUnavailable("p", "m", "msg"),
		NewMalformedResponse("p", "m", fmt.Errorf("bad json")),
		NewTemplateRender("v", fmt.Errorf("missing var")),
	}
	for _, err := range retryable {
		if !IsRetryable(err) {
			t.Errorf("%s should be retryable", err.Kind)
		}
	}

	notRetryable := []*InferenceError{
		NewInvalidRequest("p", "m", "msg"),
		NewUnknownFunction("f"),
		NewUnknownVariant("f", "v"),
		NewInternal("boom"),
	}
	for _, err := range notRetryable {
		if IsRetryable(err) {
			t.Errorf("%s should not be retryable", err.Kind)
		}
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"inference error", NewRateLimited("p", "m", ""), KindRateLimited},
		{"wrapped inference error", fmt.Errorf("attempt: %w", NewTimeout("p", "m", "")), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindCancelled},
		{"plain", fmt.Errorf("socket closed"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAggregateError(t *testing.T) {
	agg := &AggregateError{
		Function: "summarize",
		Kind:     KindProviderUnavailable,
		Attempts: []Attempt{
			{Variant: "primary", Provider: "openai", Kind: KindRateLimited, Message: "429"},
			{Variant: "backup", Provider: "anthropic", Kind: KindProviderUnavailable, Message: "503"},
		},
	}

	msg := agg.Error()
	for _, want := range []string{"summarize", "2 attempts", "primary", "rate_limited", "backup", "provider_unavailable"} {
		if !strings.Contains(msg, want) {
			t.Errorf("aggregate message should contain %q, got %q", want, msg)
		}
	}

	if got := agg.HTTPStatusCode(); got != http.StatusBadGateway {
		t.Errorf("HTTPStatusCode() = %d, want %d", got, http.StatusBadGateway)
	}
}
