// Package openai is a client for OpenAI-compatible chat completion APIs.
// Most failover providers (OpenRouter, Cerebras, Together, Fireworks, ...)
// speak this dialect and only differ in name, base URL and key.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/provider"
	"github.com/vnmchuo/chatgate/internal/schema"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type OpenAIProvider struct {
	name       string
	apiKey     string
	baseURL    string
	client     *http.Client
	headers    map[string]string
	inputCost  float64
	outputCost float64
}

type Option func(*OpenAIProvider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *OpenAIProvider) { p.client = c }
}

// WithPricing sets the USD cost per input and output token.
func WithPricing(input, output float64) Option {
	return func(p *OpenAIProvider) { p.inputCost, p.outputCost = input, output }
}

// WithHeader adds a static header to every upstream request.
func WithHeader(key, value string) Option {
	return func(p *OpenAIProvider) { p.headers[key] = value }
}

type openAIRequest struct {
	Model            string           `json:"model"`
	Messages         []schema.Message `json:"messages"`
	MaxTokens        *int             `json:"max_tokens,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	TopP             *float64         `json:"top_p,omitempty"`
	FrequencyPenalty *float64         `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64         `json:"presence_penalty,omitempty"`
	Stop             []string         `json:"stop,omitempty"`
	Stream           bool             `json:"stream,omitempty"`
	StreamOptions    *streamOptions   `json:"stream_options,omitempty"`
	Tools            json.RawMessage  `json:"tools,omitempty"`
	ToolChoice       json.RawMessage  `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage  `json:"response_format,omitempty"`
	User             string           `json:"user,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role      string            `json:"role"`
	Content   *string           `json:"content"`
	ToolCalls []schema.ToolCall `json:"tool_calls,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Choices []openAIChoice `json:"choices"`
	Usage   *openAIUsage   `json:"usage"`
	Model   string         `json:"model"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	Delta        openAIMessage `json:"delta"`
	FinishReason *string       `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string          `json:"message"`
	Code    json.RawMessage `json:"code,omitempty"`
}

// New returns a client for the OpenAI-compatible API at baseURL, reported
// under name.
func New(name, apiKey, baseURL string, opts ...Option) *OpenAIProvider {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	p := &OpenAIProvider{
		name:    name,
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  http.DefaultClient,
		headers: map[string]string{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *schema.ChatRequest) (*provider.Response, error) {
	resp, err := p.do(ctx, p.mapRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var openAIResp openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&openAIResp); err != nil {
		return nil, &failure.ProviderError{
			Provider: p.name,
			Kind:     failure.KindUpstreamServer,
			Message:  "decode response: " + err.Error(),
			Cause:    err,
		}
	}
	if openAIResp.Error != nil {
		return nil, p.inBandError(openAIResp.Error)
	}
	if len(openAIResp.Choices) == 0 {
		return nil, failure.NoCandidates(p.name, "no choices")
	}

	choice := openAIResp.Choices[0]
	out := &provider.Response{
		ID:        openAIResp.ID,
		Model:     openAIResp.Model,
		ToolCalls: choice.Message.ToolCalls,
		Created:   unixOrNow(openAIResp.Created),
	}
	if choice.Message.Content != nil {
		out.Content = *choice.Message.Content
	}
	if choice.FinishReason != nil {
		out.FinishReason = *choice.FinishReason
	}
	if out.Model == "" {
		out.Model = req.Model
	}
	if openAIResp.Usage != nil {
		out.Usage = usage(openAIResp.Usage)
	}
	return out, nil
}

func (p *OpenAIProvider) mapRequest(req *schema.ChatRequest, stream bool) openAIRequest {
	r := openAIRequest{
		Model:            req.Model,
		Messages:         req.Messages,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
		Tools:            req.Tools,
		ToolChoice:       req.ToolChoice,
		ResponseFormat:   req.ResponseFormat,
		User:             req.User,
	}
	if stream {
		r.Stream = true
		r.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return r
}

// do posts body to the chat completions endpoint and returns the response
// when the upstream accepted it.
func (p *OpenAIProvider) do(ctx context.Context, body openAIRequest) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, failure.NotConfigured(p.name)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/chat/completions", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", p.apiKey))
	if body.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, mapError(p.name, resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *schema.ChatRequest) (<-chan *schema.StreamChunk, error) {
	resp, err := p.do(ctx, p.mapRequest(req, true))
	if err != nil {
		return nil, err
	}

	ch := make(chan *schema.StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		first := true
		err := provider.ReadSSE(resp.Body, func(_, data string) error {
			if data == "[DONE]" {
				return provider.ErrStopStream
			}

			var chunk openAIResponse
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			if chunk.Error != nil {
				return p.inBandError(chunk.Error)
			}

			out := &schema.StreamChunk{
				ID:      chunk.ID,
				Model:   chunk.Model,
				Created: unixOrNow(chunk.Created),
			}
			if len(chunk.Choices) > 0 {
				c := chunk.Choices[0]
				if c.Delta.Content != nil {
					out.Content = *c.Delta.Content
				}
				out.ToolCalls = c.Delta.ToolCalls
				if c.FinishReason != nil {
					out.FinishReason = *c.FinishReason
				}
			}
			if chunk.Usage != nil {
				u := usage(chunk.Usage)
				out.Usage = &u
			}
			if out.Content == "" && out.FinishReason == "" && out.Usage == nil && len(out.ToolCalls) == 0 {
				return nil
			}
			if first {
				out.Role = schema.RoleAssistant
				first = false
			}
			if !provider.Send(ctx, ch, out) {
				return ctx.Err()
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			provider.Send(ctx, ch, &schema.StreamChunk{Err: err})
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) inBandError(e *openAIError) error {
	status := 0
	var code int
	if json.Unmarshal(e.Code, &code) == nil && code >= 400 {
		status = code
	}
	if status == 0 {
		return &failure.ProviderError{Provider: p.name, Kind: failure.KindUpstreamServer, Message: e.Message}
	}
	return failure.FromHTTPStatus(p.name, status, []byte(e.Message), nil)
}

// mapError turns a non-200 OpenAI-compatible response into a ProviderError,
// preferring the structured error message over the raw body.
func mapError(name string, status int, body []byte, header http.Header) *failure.ProviderError {
	msg := body
	var envelope struct {
		Error *openAIError `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		msg = []byte(envelope.Error.Message)
	}

	e := failure.FromHTTPStatus(name, status, msg, header)
	// OpenRouter reports exhausted credits as 402 and some compatible hosts
	// use 403 with a billing message for the same condition.
	if status == http.StatusForbidden && mentionsCredits(e.Message) {
		e.Kind = failure.KindPaymentRequired
	}
	return e
}

func mentionsCredits(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "insufficient credits") || strings.Contains(lower, "insufficient balance") ||
		strings.Contains(lower, "quota exceeded")
}

func usage(u *openAIUsage) schema.Usage {
	out := schema.NewUsage(u.PromptTokens, u.CompletionTokens)
	if u.TotalTokens > 0 {
		out.TotalTokens = u.TotalTokens
	}
	return out
}

func unixOrNow(sec int64) time.Time {
	if sec > 0 {
		return time.Unix(sec, 0)
	}
	return time.Now()
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) CostPerInputToken() float64 {
	return p.inputCost
}

func (p *OpenAIProvider) CostPerOutputToken() float64 {
	return p.outputCost
}
