package claude

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

const (
	DefaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
	// statusOverloaded is Anthropic's non-standard "overloaded" status.
	statusOverloaded = 529
)

type ClaudeProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    *claudeChoice   `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *claudeSource   `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeResponse struct {
	ID         string          `json:"id"`
	Content    []claudeContent `json:"content"`
	Model      string          `json:"model"`
	StopReason string          `json:"stop_reason"`
	Usage      claudeUsage     `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type    string          `json:"type"`
	Message *claudeResponse `json:"message,omitempty"`
	Delta   claudeDelta     `json:"delta,omitempty"`
	Usage   *claudeUsage    `json:"usage,omitempty"`
	Error   *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) *ClaudeProvider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
}

// WithBaseURL points the client at another Messages API host.
func (p *ClaudeProvider) WithBaseURL(u string) *ClaudeProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *schema.ChatRequest) (*provider.Response, error) {
	claudeReq, err := p.mapRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := p.do(ctx, claudeReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, &failure.ProviderError{Provider: p.Name(), Kind: failure.KindUpstreamServer, Message: "decode response: " + err.Error(), Cause: err}
	}
	if len(claudeResp.Content) == 0 {
		return nil, failure.NoCandidates(p.Name(), "empty content")
	}

	out := &provider.Response{
		ID:           claudeResp.ID,
		Model:        claudeResp.Model,
		FinishReason: finishReason(claudeResp.StopReason),
		Usage:        schema.NewUsage(claudeResp.Usage.InputTokens, claudeResp.Usage.OutputTokens),
		Created:      time.Now(),
	}
	var text []string
	for _, c := range claudeResp.Content {
		switch c.Type {
		case "text":
			text = append(text, c.Text)
		case "tool_use":
			args := string(c.Input)
			if args == "" {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: c.Name, Arguments: args},
			})
		}
	}
	out.Content = strings.Join(text, "")
	if out.Model == "" {
		out.Model = req.Model
	}
	return out, nil
}

func (p *ClaudeProvider) mapRequest(req *schema.ChatRequest) (claudeRequest, error) {
	var (
		system   []string
		messages []claudeMessage
	)
	appendTurn := func(role string, blocks ...claudeContent) {
		// consecutive turns of the same role are merged
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, claudeMessage{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case schema.RoleSystem:
			if t := schema.PlainText(m.Content); t != "" {
				system = append(system, t)
			}
		case schema.RoleTool:
			appendTurn("user", claudeContent{
				Type:      "tool_result",
				ToolUseID: m.ToolCallID,
				Content:   schema.PlainText(m.Content),
			})
		case schema.RoleAssistant:
			var blocks []claudeContent
			if t := schema.PlainText(m.Content); t != "" {
				blocks = append(blocks, claudeContent{Type: "text", Text: t})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage(`{}`)
				}
				blocks = append(blocks, claudeContent{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			if len(blocks) > 0 {
				appendTurn("assistant", blocks...)
			}
		default:
			appendTurn("user", userBlocks(m.Content)...)
		}
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}

	tools, err := mapTools(req.Tools)
	if err != nil {
		return claudeRequest{}, err
	}

	return claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n"),
		Messages:      messages,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Tools:         tools,
		ToolChoice:    mapToolChoice(req.ToolChoice),
	}, nil
}

func userBlocks(c schema.Content) []claudeContent {
	if !c.IsText() && !c.IsAbsent() {
		var out []claudeContent
		for _, b := range c.Blocks() {
			switch b.Type {
			case schema.BlockText:
				out = append(out, claudeContent{Type: "text", Text: b.Text})
			case schema.BlockImageURL:
				if b.ImageURL != nil {
					out = append(out, claudeContent{Type: "image", Source: imageSource(b.ImageURL.URL)})
				}
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []claudeContent{{Type: "text", Text: schema.PlainText(c)}}
}

// imageSource converts an image URL, possibly a base64 data URI, into a
// Messages API image source.
func imageSource(u string) *claudeSource {
	if rest, ok := strings.CutPrefix(u, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if found && strings.HasSuffix(meta, ";base64") {
			return &claudeSource{Type: "base64", MediaType: strings.TrimSuffix(meta, ";base64"), Data: data}
		}
	}
	return &claudeSource{Type: "url", URL: u}
}

func mapTools(raw json.RawMessage) ([]claudeTool, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var tools []struct {
		Function struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			Parameters  json.RawMessage `json:"parameters"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &tools); err != nil {
		return nil, &failure.ProviderError{Provider: "anthropic", Kind: failure.KindBadRequest, Message: "invalid tools: " + err.Error(), Cause: err}
	}
	out := make([]claudeTool, 0, len(tools))
	for _, t := range tools {
		params := t.Function.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		out = append(out, claudeTool{Name: t.Function.Name, Description: t.Function.Description, InputSchema: params})
	}
	return out, nil
}

func mapToolChoice(raw json.RawMessage) *claudeChoice {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		switch s {
		case "auto":
			return &claudeChoice{Type: "auto"}
		case "required":
			return &claudeChoice{Type: "any"}
		case "none":
			return &claudeChoice{Type: "none"}
		}
		return nil
	}
	var fn struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if json.Unmarshal(raw, &fn) == nil && fn.Function.Name != "" {
		return &claudeChoice{Type: "tool", Name: fn.Function.Name}
	}
	return nil
}

func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	case "":
		return ""
	}
	return "stop"
}

func (p *ClaudeProvider) do(ctx context.Context, body claudeRequest) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, failure.NotConfigured(p.Name())
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, mapError(resp.StatusCode, respBody, resp.Header)
	}
	return resp, nil
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *schema.ChatRequest) (<-chan *schema.StreamChunk, error) {
	claudeReq, err := p.mapRequest(req)
	if err != nil {
		return nil, err
	}
	claudeReq.Stream = true
	resp, err := p.do(ctx, claudeReq)
	if err != nil {
		return nil, err
	}

	ch := make(chan *schema.StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var (
			id, model string
			usage     claudeUsage
			first     = true
		)
		emit := func(c *schema.StreamChunk) error {
			c.ID, c.Model, c.Created = id, model, time.Now()
			if first {
				c.Role = schema.RoleAssistant
				first = false
			}
			if !provider.Send(ctx, ch, c) {
				return ctx.Err()
			}
			return nil
		}

		err := provider.ReadSSE(resp.Body, func(event, data string) error {
			var ev claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				return fmt.Errorf("decode stream event: %w", err)
			}
			if event == "" {
				event = ev.Type
			}

			switch event {
			case "message_start":
				if ev.Message != nil {
					id, model = ev.Message.ID, ev.Message.Model
					usage.InputTokens = ev.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
					return emit(&schema.StreamChunk{Content: ev.Delta.Text})
				}
			case "message_delta":
				if ev.Usage != nil {
					usage.OutputTokens = ev.Usage.OutputTokens
					if ev.Usage.InputTokens > 0 {
						usage.InputTokens = ev.Usage.InputTokens
					}
				}
				u := schema.NewUsage(usage.InputTokens, usage.OutputTokens)
				return emit(&schema.StreamChunk{FinishReason: finishReason(ev.Delta.StopReason), Usage: &u})
			case "message_stop":
				return provider.ErrStopStream
			case "error":
				if ev.Error != nil {
					return streamError(ev.Error)
				}
			}
			return nil
		})
		if err != nil && ctx.Err() == nil {
			provider.Send(ctx, ch, &schema.StreamChunk{Err: err})
		}
	}()

	return ch, nil
}

// mapError turns a non-200 Messages API response into a ProviderError.
func mapError(status int, body []byte, header http.Header) *failure.ProviderError {
	var envelope struct {
		Error *claudeError `json:"error"`
	}
	msg := body
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil && envelope.Error.Message != "" {
		msg = []byte(envelope.Error.Message)
	}

	e := failure.FromHTTPStatus("anthropic", status, msg, header)
	switch {
	case status == statusOverloaded:
		e.Kind = failure.KindUpstreamServer
		e.Message = "overloaded: " + e.Message
	case envelope.Error != nil && envelope.Error.Type == "not_found_error":
		e.Kind = failure.KindModelNotFound
	}
	return e
}

func streamError(e *claudeError) *failure.ProviderError {
	status := http.StatusBadGateway
	switch e.Type {
	case "overloaded_error":
		status = statusOverloaded
	case "rate_limit_error":
		status = http.StatusTooManyRequests
	case "api_error":
		status = http.StatusInternalServerError
	}
	return mapError(status, []byte(e.Message), nil)
}

func (p *ClaudeProvider) Name() string {
	return "anthropic"
}

func (p *ClaudeProvider) CostPerInputToken() float64 {
	return 0.000003
}

func (p *ClaudeProvider) CostPerOutputToken() float64 {
	return 0.000015
}
