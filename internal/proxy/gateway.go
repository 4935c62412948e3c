// Package proxy runs chat requests against the provider chain and serves
// them over HTTP in the caller's wire format.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/provider"
	"github.com/vnmchuo/chatgate/internal/routing"
	"github.com/vnmchuo/chatgate/internal/schema"
)

// DefaultTimeout bounds one provider attempt when no per-provider timeout
// is configured.
const DefaultTimeout = 30 * time.Second

// errEmptyStream is reported for a stream that ended before its first chunk.
var errEmptyStream = errors.New("stream ended without any chunk")

// Gateway tries the providers of a request's chain in order until one of
// them serves it.
type Gateway struct {
	providers *provider.Set
	router    *routing.Router
	filter    *routing.CircuitFilter
	observer  routing.AttemptObserver
	timeout   func(provider string) time.Duration
	tracer    trace.Tracer
	logger    *zap.Logger
	now       func() time.Time
}

type Option func(*Gateway)

// WithObservers registers attempt observers, such as availability services
// and metrics.
func WithObservers(obs ...routing.AttemptObserver) Option {
	return func(g *Gateway) { g.observer = routing.Observers(obs) }
}

// WithTimeouts sets the per-provider attempt timeout.
func WithTimeouts(fn func(provider string) time.Duration) Option {
	return func(g *Gateway) { g.timeout = fn }
}

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// NewGateway builds a gateway. filter may be nil.
func NewGateway(providers *provider.Set, router *routing.Router, filter *routing.CircuitFilter, opts ...Option) *Gateway {
	g := &Gateway{
		providers: providers,
		router:    router,
		filter:    filter,
		observer:  routing.Observers(nil),
		timeout:   func(string) time.Duration { return DefaultTimeout },
		tracer:    noop.NewTracerProvider().Tracer("chatgate"),
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.router == nil {
		g.router = routing.NewRouter(nil, routing.WithLogger(g.logger))
	}
	return g
}

// plan returns the chain to try and the filtered chain before lock rules
// were applied.
func (g *Gateway) plan(ctx context.Context, req *schema.ChatRequest) (chain, unlocked []routing.Attempt) {
	base := g.router.ChainForModel(ctx, req.Model, req.Provider)
	filtered := g.filter.Filter(ctx, req.Model, base)
	return g.router.ApplyLocks(req.Model, filtered, false), g.router.ApplyLocks(req.Model, filtered, true)
}

type callFunc[T any] func(ctx context.Context, p provider.Provider, a routing.Attempt) (T, error)

// run walks the chain, calling call once per attempt. It returns the first
// success, the client's context error, or the outcome of the last attempt.
func run[T any](ctx context.Context, g *Gateway, req *schema.ChatRequest, stream bool, call callFunc[T]) (T, routing.Attempt, error) {
	var zero T
	chain, unlocked := g.plan(ctx, req)
	_, locked := routing.LockedProvider(req.Model)
	unlockedOnce := false
	tried := make(map[string]struct{}, len(chain))

	var last *failure.Outcome
	for i := 0; i < len(chain); i++ {
		if err := ctx.Err(); err != nil {
			return zero, routing.Attempt{}, err
		}

		a := chain[i]
		tried[strings.ToLower(a.Provider)] = struct{}{}
		start := g.now()
		res, err := attempt(ctx, g, a, stream, call)
		result := routing.AttemptResult{Model: req.Model, Attempt: a, Stream: stream, Duration: g.now().Sub(start)}
		if err == nil {
			g.observer.ObserveAttempt(ctx, result)
			return res, a, nil
		}
		if ctx.Err() != nil {
			return zero, a, ctx.Err()
		}

		outcome := failure.MapProviderError(a.Provider, a.ModelID, err)
		last = outcome

		if locked && !unlockedOnce && outcome.Kind == failure.KindPaymentRequired {
			if rest := untried(unlocked, tried); len(rest) > 0 {
				chain = append(chain[:i+1:i+1], rest...)
				unlockedOnce = true
				g.logger.Info("locked provider requires payment, unlocking chain",
					zap.String("model", req.Model),
					zap.String("provider", a.Provider),
					zap.Strings("next", routing.Providers(rest)))
			}
		}

		result.Outcome = outcome
		result.FailedOver = failure.ShouldFailover(outcome) && i+1 < len(chain)
		g.observer.ObserveAttempt(ctx, result)

		if !result.FailedOver {
			break
		}
		g.logger.Warn("provider attempt failed, failing over",
			zap.String("model", req.Model),
			zap.String("provider", a.Provider),
			zap.String("provider_model", a.ModelID),
			zap.Int("code", outcome.Code),
			zap.String("kind", string(outcome.Kind)),
			zap.String("next", chain[i+1].Provider),
			zap.Error(outcome.Cause))
	}

	if last == nil {
		last = failure.MapProviderError("", req.Model, failure.NoCandidates("", "empty provider chain"))
	}
	g.logger.Warn("request failed on every provider",
		zap.String("model", req.Model),
		zap.Int("code", last.Code),
		zap.String("provider", last.Provider))
	return zero, routing.Attempt{}, last
}

// attempt traces one call against the provider of a.
func attempt[T any](ctx context.Context, g *Gateway, a routing.Attempt, stream bool, call callFunc[T]) (T, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.attempt", trace.WithAttributes(
		attribute.String("provider", a.Provider),
		attribute.String("provider_model", a.ModelID),
		attribute.String("origin", string(a.Origin)),
		attribute.Bool("stream", stream),
	))
	defer span.End()

	var zero T
	p, ok := g.providers.Lookup(a.Provider)
	if !ok {
		err := failure.NotConfigured(a.Provider)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}

	res, err := call(ctx, p, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return res, nil
}

// Complete serves req with the first provider of its chain that succeeds.
// The returned error is a *failure.Outcome or the caller's context error.
func (g *Gateway) Complete(ctx context.Context, req *schema.ChatRequest) (*schema.ChatResponse, error) {
	start := g.now()
	ctx, span := g.tracer.Start(ctx, "gateway.complete", trace.WithAttributes(attribute.String("model", req.Model)))
	defer span.End()

	resp, a, err := run(ctx, g, req, false, func(ctx context.Context, p provider.Provider, a routing.Attempt) (*provider.Response, error) {
		ctx, cancel := context.WithTimeout(ctx, g.timeout(a.Provider))
		defer cancel()
		return p.Complete(ctx, req.WithModel(a.ModelID))
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("provider_used", a.Provider))

	p, _ := g.providers.Lookup(a.Provider)
	in, out := provider.Cost(p, resp.Usage)
	return &schema.ChatResponse{
		ID:               resp.ID,
		Model:            req.Model,
		Content:          resp.Content,
		Usage:            resp.Usage,
		FinishReason:     resp.FinishReason,
		ToolCalls:        resp.ToolCalls,
		ProviderUsed:     a.Provider,
		ProviderModel:    a.ModelID,
		CostUSD:          in + out,
		InputCostUSD:     in,
		OutputCostUSD:    out,
		ProcessingTimeMs: g.now().Sub(start).Milliseconds(),
		Created:          resp.Created,
	}, nil
}

// Stream is an open streaming completion. Chunks must be drained or the
// stream closed.
type Stream struct {
	// Provider and ProviderModel identify the attempt serving the stream.
	Provider      string
	ProviderModel string

	chunks chan *schema.StreamChunk
	cancel context.CancelCauseFunc
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	usage schema.Usage
	cost  [2]float64
}

// Chunks is closed when the stream ends. A chunk with Err set is the last
// one; its Err is a *failure.Outcome.
func (s *Stream) Chunks() <-chan *schema.StreamChunk { return s.chunks }

// Close cancels the upstream request and waits for the stream to wind
// down. It is safe to call more than once.
func (s *Stream) Close() {
	s.once.Do(func() { s.cancel(context.Canceled) })
	<-s.done
}

// Usage returns the token usage reported so far and its cost.
func (s *Stream) Usage() (usage schema.Usage, inputCost, outputCost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage, s.cost[0], s.cost[1]
}

// upstream is a stream that produced its first chunk.
type upstream struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	first  *schema.StreamChunk
	rest   <-chan *schema.StreamChunk
	p      provider.Provider
}

// Stream opens a streaming completion. Providers are failed over until one
// delivers its first chunk within its timeout; later failures are
// delivered in-band.
func (g *Gateway) Stream(ctx context.Context, req *schema.ChatRequest) (*Stream, error) {
	// The span lives until forward finishes relaying the stream.
	ctx, span := g.tracer.Start(ctx, "gateway.stream", trace.WithAttributes(attribute.String("model", req.Model)))

	up, a, err := run(ctx, g, req, true, func(ctx context.Context, p provider.Provider, a routing.Attempt) (*upstream, error) {
		return g.openStream(ctx, p, a, req)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return nil, err
	}
	span.SetAttributes(attribute.String("provider_used", a.Provider))

	s := &Stream{
		Provider:      a.Provider,
		ProviderModel: a.ModelID,
		chunks:        make(chan *schema.StreamChunk),
		cancel:        up.cancel,
		done:          make(chan struct{}),
	}
	go g.forward(s, up, req.Model, a, span)
	return s, nil
}

// openStream starts the upstream request and waits for its first chunk.
// The attempt timeout only covers the wait for the first chunk.
func (g *Gateway) openStream(ctx context.Context, p provider.Provider, a routing.Attempt, req *schema.ChatRequest) (*upstream, error) {
	sctx, cancel := context.WithCancelCause(ctx)
	timeout := g.timeout(a.Provider)
	timer := time.AfterFunc(timeout, func() {
		cancel(fmt.Errorf("no chunk from %s within %s: %w", a.Provider, timeout, context.DeadlineExceeded))
	})
	fail := func(err error) (*upstream, error) {
		timer.Stop()
		cancel(err)
		return nil, err
	}

	ch, err := p.CompleteStream(sctx, req.WithModel(a.ModelID))
	if err != nil {
		if cause := context.Cause(sctx); cause != nil {
			return fail(cause)
		}
		return fail(err)
	}

	select {
	case first, ok := <-ch:
		switch {
		case !ok || first == nil:
			if cause := context.Cause(sctx); cause != nil {
				return fail(cause)
			}
			return fail(failure.NoCandidates(a.Provider, errEmptyStream.Error()))
		case first.Err != nil:
			return fail(first.Err)
		}
		if !timer.Stop() {
			return fail(context.Cause(sctx))
		}
		return &upstream{ctx: sctx, cancel: cancel, first: first, rest: ch, p: p}, nil
	case <-sctx.Done():
		return fail(context.Cause(sctx))
	}
}

// forward relays upstream chunks to s, stamping the requested model and
// classifying a mid-stream failure.
func (g *Gateway) forward(s *Stream, up *upstream, model string, a routing.Attempt, span trace.Span) {
	defer close(s.done)
	defer span.End()
	defer close(s.chunks)
	defer up.cancel(nil)

	emit := func(c *schema.StreamChunk) bool {
		c.Model = model
		if c.Usage != nil {
			in, out := provider.Cost(up.p, *c.Usage)
			s.mu.Lock()
			s.usage = *c.Usage
			s.cost = [2]float64{in, out}
			s.mu.Unlock()
		}
		if c.Err != nil {
			o := failure.MapProviderError(a.Provider, a.ModelID, c.Err)
			g.logger.Warn("stream failed after first chunk",
				zap.String("model", model),
				zap.String("provider", a.Provider),
				zap.Int("code", o.Code),
				zap.Error(c.Err))
			c.Err = o
			span.RecordError(o)
			span.SetStatus(codes.Error, o.Error())
		}
		select {
		case s.chunks <- c:
			return c.Err == nil
		case <-up.ctx.Done():
			return false
		}
	}

	chunks := 0
	defer func() { span.SetAttributes(attribute.Int("chunks", chunks)) }()

	if !emit(up.first) {
		return
	}
	chunks++
	for {
		select {
		case c, ok := <-up.rest:
			if !ok || c == nil {
				return
			}
			if !emit(c) {
				return
			}
			chunks++
		case <-up.ctx.Done():
			return
		}
	}
}

func untried(chain []routing.Attempt, tried map[string]struct{}) []routing.Attempt {
	var out []routing.Attempt
	for _, a := range chain {
		if _, ok := tried[strings.ToLower(a.Provider)]; !ok {
			out = append(out, a)
		}
	}
	return out
}
