// Package availability tracks which providers can currently serve which
// models. Both services learn from attempt outcomes reported by the gateway
// and answer the circuit filter's availability questions.
package availability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/routing"
)

type Config struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32
	// OpenTimeout is how long an open circuit rejects before probing.
	OpenTimeout time.Duration
	// Interval resets closed-state counts; zero never resets.
	Interval time.Duration
	// HalfOpenRequests probes are let through while half-open.
	HalfOpenRequests uint32
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		OpenTimeout:      30 * time.Second,
		Interval:         5 * time.Second,
		HalfOpenRequests: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenRequests == 0 {
		c.HalfOpenRequests = d.HalfOpenRequests
	}
	return c
}

var errAttemptFailed = errors.New("attempt failed")

// BreakerService keeps one in-process circuit breaker per model and
// provider pair.
type BreakerService struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu          sync.Mutex
	breakers    map[string]*gobreaker.CircuitBreaker
	lastFailure map[string]time.Time
}

func NewBreakerService(cfg Config, logger *zap.Logger) *BreakerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerService{
		cfg:         cfg.withDefaults(),
		logger:      logger,
		now:         time.Now,
		breakers:    make(map[string]*gobreaker.CircuitBreaker),
		lastFailure: make(map[string]time.Time),
	}
}

func key(modelID, provider string) string {
	return modelID + "|" + provider
}

func (s *BreakerService) breaker(modelID, provider string) *gobreaker.CircuitBreaker {
	k := key(modelID, provider)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[k]; ok {
		return cb
	}

	threshold := s.cfg.FailureThreshold
	settings := gobreaker.Settings{
		Name:        k,
		MaxRequests: s.cfg.HalfOpenRequests,
		Interval:    s.cfg.Interval,
		Timeout:     s.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	cb := gobreaker.NewCircuitBreaker(settings)
	s.breakers[k] = cb
	return cb
}

// IsModelAvailable reports false only while the pair's circuit is open.
func (s *BreakerService) IsModelAvailable(_ context.Context, modelID, provider string) bool {
	return s.breaker(modelID, provider).State() != gobreaker.StateOpen
}

func (s *BreakerService) LastFailure(_ context.Context, modelID, provider string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.lastFailure[key(modelID, provider)]
	return at, ok
}

// ObserveAttempt feeds an attempt outcome into the pair's breaker. Only
// failures that trigger failover are counted.
func (s *BreakerService) ObserveAttempt(_ context.Context, r routing.AttemptResult) {
	cb := s.breaker(r.Model, r.Attempt.Provider)
	if r.Succeeded() {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
		return
	}
	if !failure.ShouldFailover(r.Outcome) {
		return
	}

	s.mu.Lock()
	s.lastFailure[key(r.Model, r.Attempt.Provider)] = s.now()
	s.mu.Unlock()

	_, _ = cb.Execute(func() (interface{}, error) { return nil, errAttemptFailed })
}

// State returns the breaker state of a pair, for diagnostics.
func (s *BreakerService) State(modelID, provider string) gobreaker.State {
	return s.breaker(modelID, provider).State()
}
