package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/schema"
)

func chatRequest() *schema.ChatRequest {
	maxTokens := 32
	return &schema.ChatRequest{
		Model:     "gpt-4o-mini",
		MaxTokens: &maxTokens,
		Stop:      []string{"END"},
		Messages: []schema.Message{
			{Role: schema.RoleSystem, Content: schema.TextContent("be brief")},
			{Role: schema.RoleUser, Content: schema.TextContent("hi")},
		},
	}
}

func TestComplete_Mock(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "gateway", r.Header.Get("X-Title"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "test-id",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"message": {"role": "assistant", "content": "Hello from OpenAI mock!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 15, "completion_tokens": 25, "total_tokens": 40}
		}`)
	}))
	defer server.Close()

	p := New("together", "test-key", server.URL, WithHeader("X-Title", "gateway"), WithPricing(1e-6, 2e-6))

	resp, err := p.Complete(context.Background(), chatRequest())
	require.NoError(t, err)

	assert.Equal(t, "Hello from OpenAI mock!", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, 15, resp.Usage.PromptTokens)
	assert.Equal(t, 25, resp.Usage.CompletionTokens)
	assert.Equal(t, 40, resp.Usage.TotalTokens)
	assert.Equal(t, int64(1700000000), resp.Created.Unix())

	assert.Equal(t, "gpt-4o-mini", got["model"])
	assert.EqualValues(t, 32, got["max_tokens"])
	assert.Equal(t, []any{"END"}, got["stop"])
	assert.NotContains(t, got, "stream")
	assert.Len(t, got["messages"], 2)

	assert.Equal(t, "together", p.Name())
	assert.InDelta(t, 1e-6, p.CostPerInputToken(), 1e-12)
	assert.InDelta(t, 2e-6, p.CostPerOutputToken(), 1e-12)
}

func TestComplete_ToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[{"message":{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{}"}}]},"finish_reason":"tool_calls"}]}`)
	}))
	defer server.Close()

	resp, err := New("openai", "k", server.URL).Complete(context.Background(), chatRequest())
	require.NoError(t, err)
	assert.Empty(t, resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
}

func TestComplete_NotConfigured(t *testing.T) {
	_, err := New("cerebras", "", "http://127.0.0.1:1").Complete(context.Background(), chatRequest())

	var pe *failure.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, failure.KindCredentialMisconfigured, pe.Kind)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		header     map[string]string
		kind       failure.Kind
		retryAfter int
		message    string
	}{
		{"unauthorized", 401, `{"error":{"message":"bad key"}}`, nil, failure.KindAuth, 0, "bad key"},
		{"credits", 402, `{"error":{"message":"Insufficient credits","code":402}}`, nil, failure.KindPaymentRequired, 0, "Insufficient credits"},
		{"billing forbidden", 403, `{"error":{"message":"insufficient balance"}}`, nil, failure.KindPaymentRequired, 0, ""},
		{"forbidden", 403, `{"error":{"message":"region blocked"}}`, nil, failure.KindPermission, 0, ""},
		{"rate limited", 429, `slow down`, map[string]string{"Retry-After": "30"}, failure.KindRateLimited, 30, "slow down"},
		{"model", 404, `{"error":{"message":"no such model"}}`, nil, failure.KindModelNotFound, 0, ""},
		{"bad request", 400, `{"error":{"message":"messages: too long"}}`, nil, failure.KindBadRequest, 0, "messages: too long"},
		{"unavailable", 503, ``, nil, failure.KindUpstreamServer, 0, "Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			_, err := New("openrouter", "k", server.URL).Complete(context.Background(), chatRequest())

			var pe *failure.ProviderError
			require.True(t, errors.As(err, &pe), "got %v", err)
			assert.Equal(t, tt.kind, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryAfter, pe.RetryAfter)
			if tt.message != "" {
				assert.Equal(t, tt.message, pe.Message)
			}
		})
	}
}

func TestComplete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"x","choices":[]}`)
	}))
	defer server.Close()

	_, err := New("fireworks", "k", server.URL).Complete(context.Background(), chatRequest())
	var pe *failure.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, failure.KindNoCandidates, pe.Kind)
}

func TestCompleteStream_Mock(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"\"}}]}\n\n")
		for _, chunk := range []string{"Hello", " from", " OpenAI", "!"} {
			fmt.Fprintf(w, "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", chunk)
		}
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"m\",\"choices\":[],\"usage\":{\"prompt_tokens\":3,\"completion_tokens\":4,\"total_tokens\":7}}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	ch, err := New("openai", "test-key", server.URL).CompleteStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var (
		content string
		chunks  []*schema.StreamChunk
	)
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		chunks = append(chunks, chunk)
		content += chunk.Content
	}

	assert.Equal(t, true, got["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, got["stream_options"])
	assert.Equal(t, "Hello from OpenAI!", content)
	require.Len(t, chunks, 6)
	assert.Equal(t, schema.RoleAssistant, chunks[0].Role)
	assert.Empty(t, chunks[1].Role)
	assert.Equal(t, "stop", chunks[4].FinishReason)
	require.NotNil(t, chunks[5].Usage)
	assert.Equal(t, 7, chunks[5].Usage.TotalTokens)
}

func TestCompleteStream_StatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch, err := New("openai", "k", server.URL).CompleteStream(context.Background(), chatRequest())
	assert.Nil(t, ch)

	var pe *failure.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, failure.KindUpstreamServer, pe.Kind)
}

func TestCompleteStream_InBandError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"par\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"rate limited\",\"code\":429}}\n\n")
	}))
	defer server.Close()

	ch, err := New("openrouter", "k", server.URL).CompleteStream(context.Background(), chatRequest())
	require.NoError(t, err)

	var chunks []*schema.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, "par", chunks[0].Content)

	var pe *failure.ProviderError
	require.True(t, errors.As(chunks[1].Err, &pe))
	assert.Equal(t, failure.KindRateLimited, pe.Kind)
}
