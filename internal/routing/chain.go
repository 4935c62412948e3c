// Package routing builds the ordered list of provider attempts for a
// request: registry or legacy chain construction, model-lock rules and
// circuit-breaker filtering.
package routing

import (
	"strings"
)

// DefaultProvider is the ultimate fallback of every failover chain.
const DefaultProvider = "openrouter"

// failoverPriority is the order alternate providers are tried in.
var failoverPriority = []string{
	"cerebras",
	"huggingface",
	"featherless",
	"vercel-ai-gateway",
	"aihubmix",
	"anannas",
	"alibaba-cloud",
	"fireworks",
	"together",
	"google-vertex",
	"openrouter",
}

var failoverEligible = func() map[string]struct{} {
	m := make(map[string]struct{}, len(failoverPriority))
	for _, p := range failoverPriority {
		m[p] = struct{}{}
	}
	return m
}()

// EligibleProviders returns the providers that take part in failover, in
// priority order.
func EligibleProviders() []string {
	out := make([]string, len(failoverPriority))
	copy(out, failoverPriority)
	return out
}

// IsFailoverEligible reports whether provider participates in failover.
func IsFailoverEligible(provider string) bool {
	_, ok := failoverEligible[strings.ToLower(provider)]
	return ok
}

// BuildFailoverChain returns the providers to try, starting with initial.
// Providers outside the eligible set get no failover at all.
func BuildFailoverChain(initial string) []string {
	provider := strings.ToLower(strings.TrimSpace(initial))
	if !IsFailoverEligible(provider) {
		if provider == "" {
			return []string{DefaultProvider}
		}
		return []string{provider}
	}

	chain := make([]string, 0, len(failoverPriority)+1)
	seen := make(map[string]struct{}, len(failoverPriority)+1)
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		chain = append(chain, p)
	}

	add(provider)
	for _, p := range failoverPriority {
		add(p)
	}
	add(DefaultProvider)
	return chain
}

type ruleKind uint8

const (
	prefixLock ruleKind = iota + 1
	suffixLock
)

// lockRule binds model ids matching Pattern to a single provider.
type lockRule struct {
	kind     ruleKind
	pattern  string
	provider string
}

func (r lockRule) matches(modelID string) bool {
	switch r.kind {
	case prefixLock:
		return strings.HasPrefix(modelID, r.pattern)
	case suffixLock:
		return strings.HasSuffix(modelID, r.pattern)
	}
	return false
}

// Only OpenRouter understands these identifiers.
var lockRules = []lockRule{
	{kind: prefixLock, pattern: "openrouter/", provider: "openrouter"},
	{kind: prefixLock, pattern: "openai/", provider: "openrouter"},
	{kind: prefixLock, pattern: "anthropic/", provider: "openrouter"},
	{kind: suffixLock, pattern: ":exacto", provider: "openrouter"},
	{kind: suffixLock, pattern: ":free", provider: "openrouter"},
}

// LockedProvider returns the provider modelID is locked to, if any.
func LockedProvider(modelID string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(modelID))
	if id == "" {
		return "", false
	}
	for _, r := range lockRules {
		if r.matches(id) {
			return r.provider, true
		}
	}
	return "", false
}

// EnforceModelFailoverRules collapses chain to the locked provider of
// modelID. allowPaymentFailover returns chain unchanged; the gateway sets it
// after the locked provider answered payment-required.
func EnforceModelFailoverRules(modelID string, chain []string, allowPaymentFailover bool) []string {
	if allowPaymentFailover {
		return chain
	}
	locked, ok := LockedProvider(modelID)
	if !ok {
		return chain
	}
	return []string{locked}
}
