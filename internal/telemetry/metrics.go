package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vnmchuo/chatgate/internal/routing"
)

// Metrics records provider attempts. It implements routing.AttemptObserver.
type Metrics struct {
	gatherer prometheus.Gatherer

	attempts  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	failovers *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on reg. A nil reg uses a
// fresh registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "provider_attempts_total",
			Help:      "Provider attempts by outcome.",
		}, []string{"provider", "origin", "stream", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatgate",
			Name:      "provider_attempt_duration_seconds",
			Help:      "Time spent on a provider attempt, up to the first chunk for streams.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider", "stream"}),
		failovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatgate",
			Name:      "failovers_total",
			Help:      "Failed attempts that moved on to the next provider.",
		}, []string{"provider", "kind"}),
	}
	reg.MustRegister(m.attempts, m.duration, m.failovers)
	return m
}

func (m *Metrics) ObserveAttempt(_ context.Context, r routing.AttemptResult) {
	stream := strconv.FormatBool(r.Stream)
	provider := r.Attempt.Provider
	m.duration.WithLabelValues(provider, stream).Observe(r.Duration.Seconds())

	if r.Succeeded() {
		m.attempts.WithLabelValues(provider, string(r.Attempt.Origin), stream, "success", "200").Inc()
		return
	}
	m.attempts.WithLabelValues(provider, string(r.Attempt.Origin), stream, string(r.Outcome.Kind), strconv.Itoa(r.Outcome.Code)).Inc()
	if r.FailedOver {
		m.failovers.WithLabelValues(provider, string(r.Outcome.Kind)).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
