package failure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Outcome is the classification of one failed provider attempt.
type Outcome struct {
	Code      int
	Detail    string
	Retryable bool
	// RetryAfter is in seconds, 0 when the upstream gave no hint.
	RetryAfter int

	Kind     Kind
	Provider string
	Model    string
	Cause    error
}

func (o *Outcome) Error() string {
	return fmt.Sprintf("%s/%s: %d %s", o.Provider, o.Model, o.Code, o.Detail)
}

func (o *Outcome) Unwrap() error { return o.Cause }

// StatusCode exposes the HTTP-equivalent code to callers that only know
// about error values.
func (o *Outcome) StatusCode() int { return o.Code }

var failoverCodes = map[int]struct{}{
	http.StatusUnauthorized:       {},
	http.StatusPaymentRequired:    {},
	http.StatusForbidden:          {},
	http.StatusNotFound:           {},
	http.StatusBadGateway:         {},
	http.StatusServiceUnavailable: {},
	http.StatusGatewayTimeout:     {},
}

// ShouldFailover reports whether the next provider in the chain should be
// tried after o.
func ShouldFailover(o *Outcome) bool {
	if o == nil {
		return false
	}
	_, ok := failoverCodes[o.Code]
	return ok
}

var credentialKeywords = []string{
	"credential",
	"api key",
	"api_key",
	"apikey",
	"not configured",
	"missing key",
	"no api key",
	"authentication not configured",
}

// IsCredentialMessage reports whether msg describes a locally missing or
// misconfigured provider credential.
func IsCredentialMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range credentialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MapProviderError classifies err, raised while calling model on provider.
func MapProviderError(provider, model string, err error) *Outcome {
	if err == nil {
		return nil
	}

	var existing *Outcome
	if errors.As(err, &existing) {
		return existing
	}

	kind, retryAfter, msg := kindOf(err)
	o := outcomeFor(kind, msg)
	o.Kind = kind
	o.RetryAfter = retryAfter
	o.Provider = provider
	o.Model = model
	o.Cause = err
	return o
}

func kindOf(err error) (Kind, int, string) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		kind := pe.Kind
		// Locally raised errors (no upstream status) that talk about
		// credentials mean the provider is not usable from this gateway.
		if pe.StatusCode == 0 && (kind == KindBadRequest || kind == KindUnknown) && IsCredentialMessage(pe.Message) {
			kind = KindCredentialMisconfigured
		}
		if kind == "" {
			kind = KindUnknown
		}
		return kind, pe.RetryAfter, pe.Message
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, 0, err.Error()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout, 0, err.Error()
	}

	var opErr *net.OpError
	var urlErr *url.Error
	var dnsErr *net.DNSError
	if errors.As(err, &opErr) || errors.As(err, &urlErr) || errors.As(err, &dnsErr) {
		return KindConnection, 0, err.Error()
	}

	if IsCredentialMessage(err.Error()) {
		return KindCredentialMisconfigured, 0, err.Error()
	}
	return KindUnknown, 0, err.Error()
}

func outcomeFor(kind Kind, msg string) *Outcome {
	switch kind {
	case KindConnection:
		return &Outcome{Code: http.StatusServiceUnavailable, Detail: "Upstream connection failed", Retryable: true}
	case KindTimeout:
		return &Outcome{Code: http.StatusGatewayTimeout, Detail: "Upstream timed out", Retryable: true}
	case KindRateLimited:
		return &Outcome{Code: http.StatusTooManyRequests, Detail: "Upstream rate limit exceeded", Retryable: true}
	case KindAuth, KindPermission:
		return &Outcome{Code: http.StatusUnauthorized, Detail: "Upstream rejected credentials", Retryable: false}
	case KindPaymentRequired:
		return &Outcome{Code: http.StatusPaymentRequired, Detail: "Upstream requires payment", Retryable: false}
	case KindCredentialMisconfigured:
		return &Outcome{Code: http.StatusServiceUnavailable, Detail: "Provider not configured", Retryable: true}
	case KindNoCandidates:
		return &Outcome{Code: http.StatusServiceUnavailable, Detail: "Upstream returned no completion", Retryable: true}
	case KindModelNotFound:
		return &Outcome{Code: http.StatusNotFound, Detail: "Model not found on provider", Retryable: true}
	case KindBadRequest:
		detail := "Bad request"
		if msg != "" {
			detail += ": " + msg
		}
		return &Outcome{Code: http.StatusBadRequest, Detail: detail, Retryable: false}
	case KindUpstreamServer:
		return &Outcome{Code: http.StatusBadGateway, Detail: "Upstream server error", Retryable: true}
	}
	return &Outcome{Code: http.StatusBadGateway, Detail: "Upstream request failed", Retryable: true}
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date. It returns 0 when absent or invalid.
func ParseRetryAfter(header string) int {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return secs
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return int(d.Round(time.Second).Seconds())
		}
	}
	return 0
}
