package provider

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vnmchuo/chatgate/internal/schema"
)

// Response is a completion normalized to the OpenAI chat shape, regardless
// of which upstream produced it.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	ToolCalls    []schema.ToolCall
	Usage        schema.Usage
	Created      time.Time
}

// Provider invokes one upstream and normalizes its answers. Failures are
// returned as *failure.ProviderError where the upstream status is known.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *schema.ChatRequest) (*Response, error)
	// CompleteStream returns once the upstream accepted the request. The
	// channel is closed when the stream ends; a chunk with Err set is last.
	CompleteStream(ctx context.Context, req *schema.ChatRequest) (<-chan *schema.StreamChunk, error)
	CostPerInputToken() float64 // cost in USD per 1 token
	CostPerOutputToken() float64
}

// Set is the collection of configured providers, keyed by lowercase name.
type Set struct {
	providers map[string]Provider
}

func NewSet(providers ...Provider) *Set {
	s := &Set{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		if p != nil {
			s.providers[strings.ToLower(p.Name())] = p
		}
	}
	return s
}

func (s *Set) Lookup(name string) (Provider, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

// Names returns the configured provider names in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.providers))
	for n := range s.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Cost returns the input and output cost in USD of usage served by p.
func Cost(p Provider, u schema.Usage) (input, output float64) {
	return float64(u.PromptTokens) * p.CostPerInputToken(), float64(u.CompletionTokens) * p.CostPerOutputToken()
}

// Send delivers c on ch unless ctx is done first.
func Send(ctx context.Context, ch chan<- *schema.StreamChunk, c *schema.StreamChunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
