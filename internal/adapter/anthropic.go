package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/google/uuid"

	"github.com/vnmchuo/chatgate/internal/schema"
)

// DefaultAnthropicMaxTokens is used when a Messages request omits
// max_tokens.
const DefaultAnthropicMaxTokens = 1024

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system"`
	MaxTokens     *int               `json:"max_tokens"`
	Temperature   *float64           `json:"temperature"`
	TopP          *float64           `json:"top_p"`
	StopSequences []string           `json:"stop_sequences"`
	Stream        bool               `json:"stream"`
	Tools         []anthropicTool    `json:"tools"`
	ToolChoice    *anthropicChoice   `json:"tool_choice"`
	Metadata      *struct {
		UserID string `json:"user_id"`
	} `json:"metadata"`
	Provider string `json:"provider"`
}

type anthropicMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Source    *anthropicImage `json:"source,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

type anthropicImage struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	Role         string              `json:"role"`
	Content      []anthropicOutBlock `json:"content"`
	Model        string              `json:"model"`
	StopReason   string              `json:"stop_reason"`
	StopSequence *string             `json:"stop_sequence"`
	Usage        anthropicUsage      `json:"usage"`
}

type anthropicOutBlock struct {
	Type  string          `json:"type"`
	Text  *string         `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type  string             `json:"type"`
	Error anthropicErrorBody `json:"error"`
}

type anthropicErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Anthropic implements the Anthropic Messages format.
type Anthropic struct{}

func NewAnthropic() *Anthropic { return &Anthropic{} }

func (a *Anthropic) Format() Format { return FormatAnthropic }

func (a *Anthropic) ToInternalRequest(body []byte) (*schema.ChatRequest, error) {
	var raw anthropicRequest
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, malformed("decode request: %v", err)
	}

	model := strings.TrimSpace(raw.Model)
	if model == "" {
		return nil, malformed("model is required")
	}
	if len(raw.Messages) == 0 {
		return nil, malformed("messages must not be empty")
	}

	system, err := anthropicSystem(raw.System)
	if err != nil {
		return nil, err
	}

	maxTokens := DefaultAnthropicMaxTokens
	if raw.MaxTokens != nil {
		maxTokens = *raw.MaxTokens
	}

	req := &schema.ChatRequest{
		Model:       model,
		MaxTokens:   &maxTokens,
		Temperature: raw.Temperature,
		TopP:        raw.TopP,
		Stop:        raw.StopSequences,
		Stream:      raw.Stream,
		Provider:    strings.TrimSpace(raw.Provider),
	}
	if raw.Metadata != nil {
		req.User = raw.Metadata.UserID
	}

	if system != "" {
		req.Messages = append(req.Messages, schema.Message{
			Role:    schema.RoleSystem,
			Content: schema.TextContent(system),
		})
	}
	for i, m := range raw.Messages {
		msgs, err := anthropicToInternal(m)
		if err != nil {
			return nil, malformed("messages[%d]: %v", i, err)
		}
		req.Messages = append(req.Messages, msgs...)
	}

	if req.Tools, err = anthropicTools(raw.Tools); err != nil {
		return nil, err
	}
	if req.ToolChoice, err = anthropicToolChoice(raw.ToolChoice); err != nil {
		return nil, err
	}

	if err := req.Validate(); err != nil {
		return nil, malformed("%v", err)
	}
	return req, nil
}

// anthropicSystem flattens the system field, given as a string or a list of
// text blocks, into one prompt.
func anthropicSystem(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", malformed("system must be a string or a list of text blocks")
	}
	parts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.Type != "" && b.Type != "text" {
			return "", malformed("unsupported system block type %q", b.Type)
		}
		if t := strings.TrimSpace(b.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func anthropicToInternal(m anthropicMessage) ([]schema.Message, error) {
	role := schema.Role(strings.TrimSpace(m.Role))
	if role != schema.RoleUser && role != schema.RoleAssistant {
		return nil, fmt.Errorf("invalid role %q", m.Role)
	}
	if len(m.Content) == 0 || string(m.Content) == "null" {
		return nil, fmt.Errorf("content is required")
	}

	var text string
	if err := json.Unmarshal(m.Content, &text); err == nil {
		return []schema.Message{{Role: role, Content: schema.TextContent(text)}}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or a list of blocks")
	}

	var (
		out       []schema.Message
		parts     []schema.ContentBlock
		toolCalls []schema.ToolCall
	)
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, schema.ContentBlock{Type: schema.BlockText, Text: b.Text})
		case "image":
			if b.Source == nil {
				return nil, fmt.Errorf("image block without source")
			}
			url := b.Source.URL
			if b.Source.Type == "base64" {
				url = fmt.Sprintf("data:%s;base64,%s", b.Source.MediaType, b.Source.Data)
			}
			parts = append(parts, schema.ContentBlock{Type: schema.BlockImageURL, ImageURL: &schema.ImageURL{URL: url}})
		case "tool_use":
			args := string(b.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, schema.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: schema.FunctionCall{Name: b.Name, Arguments: args},
			})
		case "tool_result":
			out = append(out, schema.Message{
				Role:       schema.RoleTool,
				ToolCallID: b.ToolUseID,
				Content:    schema.TextContent(toolResultText(b.Content)),
			})
		default:
			return nil, fmt.Errorf("unsupported content block type %q", b.Type)
		}
	}

	if len(parts) == 0 && len(toolCalls) == 0 {
		return out, nil
	}

	msg := schema.Message{Role: role, ToolCalls: toolCalls}
	switch {
	case role == schema.RoleAssistant:
		msg.Content = schema.TextContent(schema.PlainText(schema.BlockContent(parts...)))
	case len(parts) == 1 && parts[0].Type == schema.BlockText:
		msg.Content = schema.TextContent(parts[0].Text)
	default:
		msg.Content = schema.BlockContent(parts...)
	}
	return append(out, msg), nil
}

func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(raw)
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

func anthropicTools(tools []anthropicTool) (json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]openAITool, 0, len(tools))
	for i, t := range tools {
		if t.Name == "" {
			return nil, malformed("tools[%d]: name is required", i)
		}
		out = append(out, openAITool{
			Type:     "function",
			Function: openAIToolFunction{Name: t.Name, Description: t.Description, Parameters: t.InputSchema},
		})
	}
	return json.Marshal(out)
}

func anthropicToolChoice(c *anthropicChoice) (json.RawMessage, error) {
	if c == nil {
		return nil, nil
	}
	switch c.Type {
	case "auto":
		return json.RawMessage(`"auto"`), nil
	case "any":
		return json.RawMessage(`"required"`), nil
	case "none":
		return json.RawMessage(`"none"`), nil
	case "tool":
		if c.Name == "" {
			return nil, malformed("tool_choice of type tool requires a name")
		}
		return json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": c.Name},
		})
	}
	return nil, malformed("unsupported tool_choice type %q", c.Type)
}

// AnthropicStopReason maps an internal finish reason to Anthropic's
// stop_reason vocabulary.
func AnthropicStopReason(finish string) string {
	switch finish {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	}
	return "end_turn"
}

func (a *Anthropic) FromInternalResponse(resp *schema.ChatResponse) any {
	text := resp.Content
	content := []anthropicOutBlock{{Type: "text", Text: &text}}
	for _, tc := range resp.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) {
			input = json.RawMessage(`{}`)
		}
		content = append(content, anthropicOutBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: input,
		})
	}

	return anthropicResponse{
		ID:         messageID(resp.ID),
		Type:       "message",
		Role:       string(schema.RoleAssistant),
		Content:    content,
		Model:      resp.Model,
		StopReason: AnthropicStopReason(resp.FinishReason),
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
}

func (a *Anthropic) ErrorBody(status int, message string) any {
	return anthropicError{
		Type:  "error",
		Error: anthropicErrorBody{Type: anthropicErrorType(status), Message: message},
	}
}

func anthropicErrorType(status int) string {
	switch {
	case status == 400:
		return "invalid_request_error"
	case status == 401:
		return "authentication_error"
	case status == 403:
		return "permission_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	case status == 503 || status == 529:
		return "overloaded_error"
	}
	return "api_error"
}

func messageID(id string) string {
	if strings.HasPrefix(id, "msg_") {
		return id
	}
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type streamState uint8

const (
	stateStart streamState = iota
	stateContentOpen
	stateContentClosed
	stateDone
)

// anthropicStream is the event state machine for one Messages stream.
type anthropicStream struct {
	state  streamState
	id     string
	model  string
	finish string
	usage  schema.Usage
}

func (s *anthropicStream) open(c *schema.StreamChunk) []string {
	if c != nil {
		s.model = c.Model
		if c.ID != "" {
			s.id = messageID(c.ID)
		}
	}
	s.state = stateContentOpen
	return []string{
		eventFrame("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            s.id,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         s.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         anthropicUsage{InputTokens: s.usage.PromptTokens},
			},
		}),
		eventFrame("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		}),
	}
}

func (s *anthropicStream) delta(text string) string {
	return eventFrame("content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": 0,
		"delta": map[string]string{"type": "text_delta", "text": text},
	})
}

func (s *anthropicStream) close() []string {
	s.state = stateContentClosed
	frames := []string{
		eventFrame("content_block_stop", map[string]any{"type": "content_block_stop", "index": 0}),
		eventFrame("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   AnthropicStopReason(s.finish),
				"stop_sequence": nil,
			},
			"usage": anthropicUsage{
				InputTokens:  s.usage.PromptTokens,
				OutputTokens: s.usage.CompletionTokens,
			},
		}),
		eventFrame("message_stop", map[string]string{"type": "message_stop"}),
	}
	s.state = stateDone
	return frames
}

func (a *Anthropic) FromInternalStream(ctx context.Context, chunks <-chan *schema.StreamChunk) iter.Seq[string] {
	return func(yield func(string) bool) {
		s := &anthropicStream{id: messageID("")}
		emit := func(frames ...string) bool {
			for _, f := range frames {
				if !yield(f) {
					return false
				}
			}
			return true
		}

		for s.state != stateDone {
			c, ok := next(ctx, chunks)
			if !ok {
				if ctx.Err() != nil {
					return
				}
				if s.state == stateStart && !emit(s.open(nil)...) {
					return
				}
				emit(s.close()...)
				return
			}

			if c.Err != nil {
				status := errorStatus(c.Err)
				yield(eventFrame("error", a.ErrorBody(status, c.Err.Error())))
				return
			}

			if c.Usage != nil {
				s.usage = *c.Usage
			}
			if c.FinishReason != "" {
				s.finish = c.FinishReason
			}
			if s.state == stateStart && !emit(s.open(c)...) {
				return
			}
			if c.Content != "" && !emit(s.delta(c.Content)) {
				return
			}
		}
	}
}
