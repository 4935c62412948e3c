package routing

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Availability reports whether a provider can currently serve a model.
type Availability interface {
	IsModelAvailable(ctx context.Context, modelID, provider string) bool
}

// FailureHistory is implemented by availability services that remember
// when a provider last failed for a model.
type FailureHistory interface {
	LastFailure(ctx context.Context, modelID, provider string) (time.Time, bool)
}

// CircuitFilter removes providers whose circuit is open.
type CircuitFilter struct {
	availability Availability
	logger       *zap.Logger
}

// NewCircuitFilter returns a filter backed by availability. A nil
// availability service leaves chains untouched.
func NewCircuitFilter(availability Availability, logger *zap.Logger) *CircuitFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitFilter{availability: availability, logger: logger}
}

// Filter drops unavailable providers from chain. It never returns an empty
// chain for a non-empty input: the least recently failed provider is kept
// as an emergency fallback.
func (f *CircuitFilter) Filter(ctx context.Context, modelID string, chain []Attempt) []Attempt {
	if f == nil || f.availability == nil || len(chain) == 0 {
		return chain
	}

	out := make([]Attempt, 0, len(chain))
	var skipped []string
	for _, a := range chain {
		if f.availability.IsModelAvailable(ctx, modelID, a.Provider) {
			out = append(out, a)
			continue
		}
		skipped = append(skipped, a.Provider)
	}

	if len(skipped) > 0 {
		f.logger.Info("circuit breaker skipped providers",
			zap.String("model", modelID),
			zap.Strings("providers", skipped))
	}
	if len(out) > 0 {
		return out
	}

	fallback := f.leastRecentlyFailed(ctx, modelID, chain)
	f.logger.Warn("all providers unavailable, keeping emergency fallback",
		zap.String("model", modelID),
		zap.String("provider", fallback.Provider))
	return []Attempt{fallback}
}

func (f *CircuitFilter) leastRecentlyFailed(ctx context.Context, modelID string, chain []Attempt) Attempt {
	history, ok := f.availability.(FailureHistory)
	if !ok {
		return chain[0]
	}

	best := chain[0]
	var bestAt time.Time
	bestSeen := false
	for _, a := range chain {
		at, failed := history.LastFailure(ctx, modelID, a.Provider)
		if !failed {
			return a
		}
		if !bestSeen || at.Before(bestAt) {
			best, bestAt, bestSeen = a, at, true
		}
	}
	return best
}
