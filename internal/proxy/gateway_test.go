package proxy

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/chatgate/internal/availability"
	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/provider"
	"github.com/vnmchuo/chatgate/internal/routing"
	"github.com/vnmchuo/chatgate/internal/schema"
)

type fakeProvider struct {
	name    string
	err     error
	chunks  []*schema.StreamChunk
	hang    bool // wait for the context instead of answering
	endless bool // keep streaming until the context is done
	in, out float64

	mu      sync.Mutex
	models  []string
	stopped chan struct{}
}

func (p *fakeProvider) Name() string                { return p.name }
func (p *fakeProvider) CostPerInputToken() float64  { return p.in }
func (p *fakeProvider) CostPerOutputToken() float64 { return p.out }

func (p *fakeProvider) record(model string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = append(p.models, model)
}

func (p *fakeProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.models)
}

func (p *fakeProvider) Complete(ctx context.Context, req *schema.ChatRequest) (*provider.Response, error) {
	p.record(req.Model)
	if p.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	return &provider.Response{
		ID:           "resp-" + p.name,
		Model:        req.Model,
		Content:      "hello from " + p.name,
		FinishReason: "stop",
		Usage:        schema.NewUsage(10, 5),
	}, nil
}

func (p *fakeProvider) CompleteStream(ctx context.Context, req *schema.ChatRequest) (<-chan *schema.StreamChunk, error) {
	p.record(req.Model)
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan *schema.StreamChunk)
	go func() {
		defer close(ch)
		if p.stopped != nil {
			defer close(p.stopped)
		}
		if p.hang {
			<-ctx.Done()
			return
		}
		for _, c := range p.chunks {
			cp := *c
			if !provider.Send(ctx, ch, &cp) {
				return
			}
		}
		for p.endless && provider.Send(ctx, ch, &schema.StreamChunk{Content: "."}) {
		}
	}()
	return ch, nil
}

type attemptLog struct {
	mu      sync.Mutex
	results []routing.AttemptResult
}

func (l *attemptLog) ObserveAttempt(_ context.Context, r routing.AttemptResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *attemptLog) all() []routing.AttemptResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]routing.AttemptResult(nil), l.results...)
}

func upstreamErr(name string, status int) error {
	return failure.FromHTTPStatus(name, status, []byte(http.StatusText(status)), nil)
}

func newTestGateway(t *testing.T, opts []Option, providers ...provider.Provider) (*Gateway, *attemptLog) {
	t.Helper()
	log := &attemptLog{}
	logger := zaptest.NewLogger(t)
	opts = append([]Option{WithObservers(log), WithLogger(logger)}, opts...)
	return NewGateway(provider.NewSet(providers...), routing.NewRouter(nil), nil, opts...), log
}

func chatRequest(model, initial string) *schema.ChatRequest {
	return &schema.ChatRequest{
		Model:    model,
		Provider: initial,
		Messages: []schema.Message{{Role: schema.RoleUser, Content: schema.TextContent("hi")}},
	}
}

func TestGateway_FailsOverToNextProvider(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 503)}
	cerebras := &fakeProvider{name: "cerebras"}
	g, log := newTestGateway(t, nil, openrouter, cerebras)

	resp, err := g.Complete(context.Background(), chatRequest("gpt-4", "openrouter"))
	require.NoError(t, err)

	assert.Equal(t, "cerebras", resp.ProviderUsed)
	assert.Equal(t, routing.DefaultTransform("gpt-4", "cerebras"), resp.ProviderModel)
	assert.Equal(t, "gpt-4", resp.Model)
	assert.Equal(t, "hello from cerebras", resp.Content)
	assert.Equal(t, 1, openrouter.calls())

	results := log.all()
	require.Len(t, results, 2)
	assert.Equal(t, "openrouter", results[0].Attempt.Provider)
	assert.True(t, results[0].FailedOver)
	assert.Equal(t, http.StatusBadGateway, results[0].Outcome.Code)
	assert.True(t, results[1].Succeeded())
	assert.Equal(t, "gpt-4", results[1].Model)
}

func TestGateway_NonRetryableStops(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 400)}
	cerebras := &fakeProvider{name: "cerebras"}
	g, log := newTestGateway(t, nil, openrouter, cerebras)

	_, err := g.Complete(context.Background(), chatRequest("gpt-4", "openrouter"))

	var o *failure.Outcome
	require.ErrorAs(t, err, &o)
	assert.Equal(t, http.StatusBadRequest, o.Code)
	assert.False(t, o.Retryable)
	assert.Equal(t, 0, cerebras.calls())
	require.Len(t, log.all(), 1)
	assert.False(t, log.all()[0].FailedOver)
}

func TestGateway_SkipsUnconfiguredProviders(t *testing.T) {
	together := &fakeProvider{name: "together"}
	g, log := newTestGateway(t, nil, together)

	resp, err := g.Complete(context.Background(), chatRequest("llama-3-70b", "cerebras"))
	require.NoError(t, err)
	assert.Equal(t, "together", resp.ProviderUsed)

	results := log.all()
	require.NotEmpty(t, results)
	assert.Equal(t, "cerebras", results[0].Attempt.Provider)
	assert.Equal(t, failure.KindCredentialMisconfigured, results[0].Outcome.Kind)
	assert.Equal(t, "together", results[len(results)-1].Attempt.Provider)
}

func TestGateway_ExhaustedChainReturnsLastOutcome(t *testing.T) {
	g, _ := newTestGateway(t, nil)

	_, err := g.Complete(context.Background(), chatRequest("gpt-4", "cerebras"))

	var o *failure.Outcome
	require.ErrorAs(t, err, &o)
	assert.Equal(t, "openrouter", o.Provider)
	assert.Equal(t, http.StatusServiceUnavailable, o.Code)
	assert.Equal(t, http.StatusServiceUnavailable, o.StatusCode())
}

func TestGateway_LockedModelStaysOnOpenRouter(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 503)}
	cerebras := &fakeProvider{name: "cerebras"}
	g, _ := newTestGateway(t, nil, openrouter, cerebras)

	_, err := g.Complete(context.Background(), chatRequest("openai/gpt-4o", "cerebras"))

	var o *failure.Outcome
	require.ErrorAs(t, err, &o)
	assert.Equal(t, "openrouter", o.Provider)
	assert.Equal(t, 1, openrouter.calls())
	assert.Equal(t, 0, cerebras.calls())
}

func TestGateway_PaymentRequiredUnlocks(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 402)}
	cerebras := &fakeProvider{name: "cerebras"}
	g, _ := newTestGateway(t, nil, openrouter, cerebras)

	resp, err := g.Complete(context.Background(), chatRequest("meta-llama/llama-3.1-8b:free", "cerebras"))
	require.NoError(t, err)

	assert.Equal(t, "cerebras", resp.ProviderUsed)
	assert.Equal(t, 1, openrouter.calls())
}

func TestGateway_PaymentRequiredAfterUnlockKeepsFailingOver(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 402)}
	cerebras := &fakeProvider{name: "cerebras", err: upstreamErr("cerebras", 402)}
	together := &fakeProvider{name: "together"}
	g, _ := newTestGateway(t, nil, openrouter, cerebras, together)

	resp, err := g.Complete(context.Background(), chatRequest("openrouter/auto", "cerebras"))
	require.NoError(t, err)
	assert.Equal(t, "together", resp.ProviderUsed)
	assert.Equal(t, 1, openrouter.calls())
	assert.Equal(t, 1, cerebras.calls())
}

func TestGateway_TimeoutFailsOver(t *testing.T) {
	slow := &fakeProvider{name: "cerebras", hang: true}
	fast := &fakeProvider{name: "huggingface"}
	g, log := newTestGateway(t, []Option{WithTimeouts(func(p string) time.Duration {
		if p == "cerebras" {
			return 20 * time.Millisecond
		}
		return time.Second
	})}, slow, fast)

	resp, err := g.Complete(context.Background(), chatRequest("llama-3-70b", "cerebras"))
	require.NoError(t, err)
	assert.Equal(t, "huggingface", resp.ProviderUsed)
	assert.Equal(t, failure.KindTimeout, log.all()[0].Outcome.Kind)
	assert.Equal(t, http.StatusGatewayTimeout, log.all()[0].Outcome.Code)
}

func TestGateway_ClientCancellationStops(t *testing.T) {
	slow := &fakeProvider{name: "cerebras", hang: true}
	next := &fakeProvider{name: "huggingface"}
	g, _ := newTestGateway(t, nil, slow, next)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := g.Complete(ctx, chatRequest("llama-3-70b", "cerebras"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, next.calls())
}

func TestGateway_Cost(t *testing.T) {
	p := &fakeProvider{name: "openrouter", in: 0.001, out: 0.002}
	g, _ := newTestGateway(t, nil, p)

	resp, err := g.Complete(context.Background(), chatRequest("gpt-4", ""))
	require.NoError(t, err)
	assert.InDelta(t, 0.01, resp.InputCostUSD, 1e-9)
	assert.InDelta(t, 0.01, resp.OutputCostUSD, 1e-9)
	assert.InDelta(t, 0.02, resp.CostUSD, 1e-9)
	assert.Equal(t, schema.NewUsage(10, 5), resp.Usage)
}

func TestGateway_BreakerSkipsFailingProvider(t *testing.T) {
	breakers := availability.NewBreakerService(availability.Config{FailureThreshold: 1, OpenTimeout: time.Minute}, nil)
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 503)}
	cerebras := &fakeProvider{name: "cerebras"}

	g := NewGateway(provider.NewSet(openrouter, cerebras), routing.NewRouter(nil),
		routing.NewCircuitFilter(breakers, nil), WithObservers(breakers))

	for i := 0; i < 2; i++ {
		resp, err := g.Complete(context.Background(), chatRequest("gpt-4", "openrouter"))
		require.NoError(t, err)
		assert.Equal(t, "cerebras", resp.ProviderUsed)
	}
	assert.Equal(t, 1, openrouter.calls())
	assert.False(t, breakers.IsModelAvailable(context.Background(), "gpt-4", "openrouter"))
}

func collectStream(t *testing.T, s *Stream) []*schema.StreamChunk {
	t.Helper()
	var out []*schema.StreamChunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-s.Chunks():
			if !ok {
				return out
			}
			out = append(out, c)
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func TestGateway_StreamFailsOverBeforeFirstChunk(t *testing.T) {
	openrouter := &fakeProvider{name: "openrouter", err: upstreamErr("openrouter", 503)}
	usage := schema.NewUsage(3, 2)
	cerebras := &fakeProvider{name: "cerebras", in: 0.5, out: 1, chunks: []*schema.StreamChunk{
		{Content: "Hel", Role: schema.RoleAssistant},
		{Content: "lo"},
		{FinishReason: "stop", Usage: &usage},
	}}
	g, log := newTestGateway(t, nil, openrouter, cerebras)

	s, err := g.Stream(context.Background(), chatRequest("gpt-4", "openrouter"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "cerebras", s.Provider)
	chunks := collectStream(t, s)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Hel", chunks[0].Content)
	assert.Equal(t, "gpt-4", chunks[0].Model)
	assert.Equal(t, "stop", chunks[2].FinishReason)

	s.Close()
	u, in, out := s.Usage()
	assert.Equal(t, usage, u)
	assert.InDelta(t, 1.5, in, 1e-9)
	assert.InDelta(t, 2.0, out, 1e-9)

	results := log.all()
	require.Len(t, results, 2)
	assert.True(t, results[0].Stream)
	assert.True(t, results[0].FailedOver)
}

func TestGateway_StreamFirstChunkErrorFailsOver(t *testing.T) {
	broken := &fakeProvider{name: "cerebras", chunks: []*schema.StreamChunk{{Err: upstreamErr("cerebras", 502)}}}
	ok := &fakeProvider{name: "huggingface", chunks: []*schema.StreamChunk{{Content: "ok"}}}
	g, _ := newTestGateway(t, nil, broken, ok)

	s, err := g.Stream(context.Background(), chatRequest("llama-3-70b", "cerebras"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "huggingface", s.Provider)
	assert.Len(t, collectStream(t, s), 1)
}

func TestGateway_StreamEmptyFailsOver(t *testing.T) {
	empty := &fakeProvider{name: "cerebras"}
	ok := &fakeProvider{name: "huggingface", chunks: []*schema.StreamChunk{{Content: "ok"}}}
	g, log := newTestGateway(t, nil, empty, ok)

	s, err := g.Stream(context.Background(), chatRequest("llama-3-70b", "cerebras"))
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "huggingface", s.Provider)
	assert.Equal(t, failure.KindNoCandidates, log.all()[0].Outcome.Kind)
}

func TestGateway_StreamFirstChunkTimeout(t *testing.T) {
	slow := &fakeProvider{name: "cerebras", hang: true, stopped: make(chan struct{})}
	ok := &fakeProvider{name: "huggingface", chunks: []*schema.StreamChunk{{Content: "ok"}}}
	g, log := newTestGateway(t, []Option{WithTimeouts(func(string) time.Duration { return 30 * time.Millisecond })}, slow, ok)

	s, err := g.Stream(context.Background(), chatRequest("llama-3-70b", "cerebras"))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "huggingface", s.Provider)
	assert.Equal(t, failure.KindTimeout, log.all()[0].Outcome.Kind)
	select {
	case <-slow.stopped:
	case <-time.After(time.Second):
		t.Fatal("timed out upstream was not cancelled")
	}
}

func TestGateway_StreamMidStreamErrorInBand(t *testing.T) {
	p := &fakeProvider{name: "openrouter", chunks: []*schema.StreamChunk{
		{Content: "partial"},
		{Err: upstreamErr("openrouter", 429)},
	}}
	g, _ := newTestGateway(t, nil, p)

	s, err := g.Stream(context.Background(), chatRequest("gpt-4", ""))
	require.NoError(t, err)
	defer s.Close()

	chunks := collectStream(t, s)
	require.Len(t, chunks, 2)
	var o *failure.Outcome
	require.True(t, errors.As(chunks[1].Err, &o))
	assert.Equal(t, http.StatusTooManyRequests, o.Code)
}

func TestGateway_StreamCloseCancelsUpstream(t *testing.T) {
	p := &fakeProvider{name: "openrouter", endless: true, chunks: []*schema.StreamChunk{{Content: "a"}}, stopped: make(chan struct{})}
	g, _ := newTestGateway(t, nil, p)

	s, err := g.Stream(context.Background(), chatRequest("gpt-4", ""))
	require.NoError(t, err)
	<-s.Chunks()
	s.Close()

	select {
	case <-p.stopped:
	case <-time.After(time.Second):
		t.Fatal("upstream kept streaming after Close")
	}
}

func TestGateway_StreamSpanCoversWholeStream(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	p := &fakeProvider{name: "openrouter", chunks: []*schema.StreamChunk{
		{Content: "partial"},
		{Err: upstreamErr("openrouter", 502)},
	}}
	g, _ := newTestGateway(t, []Option{WithTracer(tp.Tracer("test"))}, p)

	ended := func(name string) sdktrace.ReadOnlySpan {
		for _, sp := range rec.Ended() {
			if sp.Name() == name {
				return sp
			}
		}
		return nil
	}

	s, err := g.Stream(context.Background(), chatRequest("gpt-4", ""))
	require.NoError(t, err)
	assert.Nil(t, ended("gateway.stream"), "span ended before the stream was relayed")

	require.Len(t, collectStream(t, s), 2)
	s.Close()

	sp := ended("gateway.stream")
	require.NotNil(t, sp)
	assert.Equal(t, codes.Error, sp.Status().Code)
	var chunks int64 = -1
	for _, kv := range sp.Attributes() {
		if kv.Key == "chunks" {
			chunks = kv.Value.AsInt64()
		}
	}
	assert.Equal(t, int64(1), chunks)
}
