// Package failure collapses provider-call failures into one outcome
// taxonomy that drives failover decisions.
//
// Provider clients never return library-specific errors to the gateway.
// Each client has a small mapping function that turns an upstream HTTP
// response into a *ProviderError (usually through FromHTTPStatus), and
// MapProviderError only ever switches on Kind. Adding a provider therefore
// means adding one mapping function, not touching the classifier.
package failure

import (
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

// Kind is the normalized failure category of a provider call.
type Kind string

const (
	KindConnection              Kind = "connection_failure"
	KindTimeout                 Kind = "timeout"
	KindRateLimited             Kind = "rate_limited"
	KindAuth                    Kind = "auth_failure"
	KindPermission              Kind = "permission_failure"
	KindPaymentRequired         Kind = "payment_required"
	KindCredentialMisconfigured Kind = "credential_misconfigured"
	KindNoCandidates            Kind = "no_candidates_returned"
	KindModelNotFound           Kind = "model_not_found"
	KindBadRequest              Kind = "bad_request"
	KindUpstreamServer          Kind = "upstream_server_error"
	KindUnknown                 Kind = "unknown"
)

// ProviderError is the normalized error a provider client returns.
type ProviderError struct {
	Provider   string
	Kind       Kind
	StatusCode int
	Message    string
	// RetryAfter is the upstream hint in seconds, 0 when absent.
	RetryAfter int
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %q error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("provider %q error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NotConfigured reports a provider that cannot be called because its
// credentials or client are missing.
func NotConfigured(provider string) *ProviderError {
	return &ProviderError{
		Provider: provider,
		Kind:     KindCredentialMisconfigured,
		Message:  fmt.Sprintf("provider %s is not configured", provider),
	}
}

// NoCandidates reports an upstream that answered without any completion.
func NoCandidates(provider, reason string) *ProviderError {
	msg := "upstream returned no completion candidates"
	if reason != "" {
		msg += ": " + reason
	}
	return &ProviderError{Provider: provider, Kind: KindNoCandidates, Message: msg}
}

const maxMessageBytes = 512

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// FromHTTPStatus maps a non-2xx upstream response to a ProviderError.
func FromHTTPStatus(provider string, status int, body []byte, header http.Header) *ProviderError {
	msg := truncate(strings.TrimSpace(string(body)), maxMessageBytes)
	if msg == "" {
		msg = http.StatusText(status)
	}

	e := &ProviderError{Provider: provider, StatusCode: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized:
		e.Kind = KindAuth
	case status == http.StatusPaymentRequired:
		e.Kind = KindPaymentRequired
	case status == http.StatusForbidden:
		e.Kind = KindPermission
	case status == http.StatusNotFound:
		e.Kind = KindModelNotFound
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		e.Kind = KindTimeout
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimited
		if header != nil {
			e.RetryAfter = ParseRetryAfter(header.Get("Retry-After"))
		}
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		e.Kind = KindBadRequest
		if mentionsMissingModel(msg) {
			e.Kind = KindModelNotFound
		}
	case status >= 500:
		e.Kind = KindUpstreamServer
	default:
		e.Kind = KindUnknown
	}
	return e
}

func mentionsMissingModel(msg string) bool {
	lower := strings.ToLower(msg)
	if !strings.Contains(lower, "model") {
		return false
	}
	for _, marker := range []string{"not found", "does not exist", "not a valid model", "unknown model", "not supported"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
