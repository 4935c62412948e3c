package routing

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrModelNotFound is returned by a Registry for ids it does not know.
var ErrModelNotFound = errors.New("model not found in registry")

type Origin string

const (
	OriginRegistry Origin = "registry"
	OriginLegacy   Origin = "legacy"
)

// Attempt is one entry of a provider chain.
type Attempt struct {
	Provider string
	ModelID  string
	// Priority is nil for legacy attempts.
	Priority *int
	Origin   Origin
}

// CanonicalProvider is one provider-specific variant of a canonical model.
type CanonicalProvider struct {
	Name     string `json:"name" yaml:"name"`
	ModelID  string `json:"model_id" yaml:"model_id"`
	Priority int    `json:"priority" yaml:"priority"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

type CanonicalModel struct {
	ID              string              `json:"id" yaml:"id"`
	Providers       []CanonicalProvider `json:"providers" yaml:"providers"`
	PrimaryProvider string              `json:"primary_provider" yaml:"primary_provider"`
}

// Registry is the canonical multi-provider model catalog.
type Registry interface {
	GetModel(ctx context.Context, modelID string) (*CanonicalModel, error)
}

// Router produces provider chains, preferring the canonical registry and
// falling back to the legacy failover chain.
type Router struct {
	registry  Registry
	transform ModelTransformer
	logger    *zap.Logger
}

type Option func(*Router)

func WithTransformer(t ModelTransformer) Option {
	return func(r *Router) { r.transform = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// NewRouter builds a router. registry may be nil, in which case every
// chain comes from the legacy path.
func NewRouter(registry Registry, opts ...Option) *Router {
	r := &Router{
		registry:  registry,
		transform: DefaultTransform,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ChainForModel returns the ordered attempts for modelID with initial tried
// first when it is part of the chain.
func (r *Router) ChainForModel(ctx context.Context, modelID, initial string) []Attempt {
	if r.registry != nil {
		model, err := r.registry.GetModel(ctx, modelID)
		switch {
		case err == nil && model != nil:
			if chain := registryChain(model, initial); len(chain) > 0 {
				return chain
			}
			r.logger.Debug("registry model has no enabled providers", zap.String("model", modelID))
		case err != nil && !errors.Is(err, ErrModelNotFound):
			r.logger.Warn("registry lookup failed, using legacy chain",
				zap.String("model", modelID),
				zap.Error(err))
		}
	}
	return r.LegacyChain(modelID, initial)
}

// LegacyChain builds attempts from BuildFailoverChain.
func (r *Router) LegacyChain(modelID, initial string) []Attempt {
	return r.attemptsFor(modelID, BuildFailoverChain(initial))
}

func (r *Router) attemptsFor(modelID string, providers []string) []Attempt {
	out := make([]Attempt, 0, len(providers))
	for _, p := range providers {
		out = append(out, Attempt{
			Provider: p,
			ModelID:  r.transform(modelID, p),
			Origin:   OriginLegacy,
		})
	}
	return out
}

func registryChain(model *CanonicalModel, initial string) []Attempt {
	enabled := make([]CanonicalProvider, 0, len(model.Providers))
	for _, p := range model.Providers {
		if p.Enabled {
			enabled = append(enabled, p)
		}
	}
	sort.SliceStable(enabled, func(i, j int) bool {
		return enabled[i].Priority < enabled[j].Priority
	})

	initial = strings.ToLower(strings.TrimSpace(initial))
	out := make([]Attempt, 0, len(enabled))
	for _, p := range enabled {
		prio := p.Priority
		a := Attempt{Provider: p.Name, ModelID: p.ModelID, Priority: &prio, Origin: OriginRegistry}
		if a.ModelID == "" {
			a.ModelID = model.ID
		}
		if initial != "" && strings.EqualFold(p.Name, initial) {
			out = append([]Attempt{a}, out...)
			continue
		}
		out = append(out, a)
	}
	return out
}

// ApplyLocks enforces model-lock rules on a chain of attempts. When the
// locked provider is not in the chain a legacy attempt is synthesized for
// it.
func (r *Router) ApplyLocks(modelID string, chain []Attempt, allowPaymentFailover bool) []Attempt {
	names := Providers(chain)
	locked := EnforceModelFailoverRules(modelID, names, allowPaymentFailover)
	if len(locked) == len(names) && (len(names) == 0 || locked[0] == names[0]) {
		return chain
	}

	out := make([]Attempt, 0, len(locked))
	for _, name := range locked {
		if a, ok := find(chain, name); ok {
			out = append(out, a)
			continue
		}
		out = append(out, r.attemptsFor(modelID, []string{name})...)
	}
	return out
}

// Providers lists the provider names of chain in order.
func Providers(chain []Attempt) []string {
	out := make([]string, len(chain))
	for i, a := range chain {
		out[i] = a.Provider
	}
	return out
}

func find(chain []Attempt, provider string) (Attempt, bool) {
	for _, a := range chain {
		if strings.EqualFold(a.Provider, provider) {
			return a, true
		}
	}
	return Attempt{}, false
}
