package adapter

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/chatgate/internal/schema"
)

type openAIRequest struct {
	Model            string          `json:"model"`
	Messages         []openAIMessage `json:"messages"`
	Temperature      *float64        `json:"temperature"`
	MaxTokens        *int            `json:"max_tokens"`
	TopP             *float64        `json:"top_p"`
	FrequencyPenalty *float64        `json:"frequency_penalty"`
	PresencePenalty  *float64        `json:"presence_penalty"`
	Stop             json.RawMessage `json:"stop"`
	Stream           bool            `json:"stream"`
	Tools            json.RawMessage `json:"tools"`
	ToolChoice       json.RawMessage `json:"tool_choice"`
	ResponseFormat   json.RawMessage `json:"response_format"`
	User             string          `json:"user"`
	Provider         string          `json:"provider"`
}

type openAIMessage struct {
	Role       string            `json:"role"`
	Content    schema.Content    `json:"content"`
	Name       string            `json:"name,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolCalls  []schema.ToolCall `json:"tool_calls,omitempty"`
}

type openAIResponse struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openAIChoice `json:"choices"`
	Usage   schema.Usage   `json:"usage"`
}

type openAIChoice struct {
	Index        int                 `json:"index"`
	Message      openAIResultMessage `json:"message"`
	FinishReason string              `json:"finish_reason"`
}

type openAIResultMessage struct {
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolCalls []schema.ToolCall `json:"tool_calls,omitempty"`
}

type openAIChunk struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Choices []openAIChunkChoice `json:"choices"`
	Usage   *schema.Usage       `json:"usage,omitempty"`
}

type openAIChunkChoice struct {
	Index        int         `json:"index"`
	Delta        openAIDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type openAIDelta struct {
	Role      string            `json:"role,omitempty"`
	Content   string            `json:"content,omitempty"`
	ToolCalls []schema.ToolCall `json:"tool_calls,omitempty"`
}

type openAIError struct {
	Error openAIErrorBody `json:"error"`
}

type openAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// OpenAI implements the OpenAI Chat Completions format. With plain set it
// implements the simplified AI SDK format instead, which shares the shapes
// but carries no tools, response formats, names or tool call ids.
type OpenAI struct {
	plain bool
}

func NewOpenAI() *OpenAI { return &OpenAI{} }

// NewAISDK returns the adapter for the simplified AI SDK format.
func NewAISDK() *OpenAI { return &OpenAI{plain: true} }

func (a *OpenAI) Format() Format {
	if a.plain {
		return FormatAISDK
	}
	return FormatOpenAI
}

func (a *OpenAI) ToInternalRequest(body []byte) (*schema.ChatRequest, error) {
	var raw openAIRequest
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

	stop, err := parseStop(raw.Stop)
	if err != nil {
		return nil, err
	}

	req := &schema.ChatRequest{
		Model:            model,
		Messages:         make([]schema.Message, 0, len(raw.Messages)),
		Temperature:      raw.Temperature,
		MaxTokens:        raw.MaxTokens,
		TopP:             raw.TopP,
		FrequencyPenalty: raw.FrequencyPenalty,
		PresencePenalty:  raw.PresencePenalty,
		Stop:             stop,
		Stream:           raw.Stream,
		User:             raw.User,
		Provider:         strings.TrimSpace(raw.Provider),
	}

	for _, m := range raw.Messages {
		msg := schema.Message{
			Role:      schema.Role(strings.TrimSpace(m.Role)),
			Content:   m.Content,
			ToolCalls: m.ToolCalls,
		}
		// assistant turns that only call tools carry null content
		if msg.Content.IsAbsent() && msg.Role == schema.RoleAssistant && len(msg.ToolCalls) > 0 {
			msg.Content = schema.TextContent("")
		}
		if a.plain {
			// Tool results cannot be sent upstream without their call id.
			if msg.Role == schema.RoleTool {
				continue
			}
			msg.ToolCalls = nil
		} else {
			msg.Name = m.Name
			msg.ToolCallID = m.ToolCallID
		}
		req.Messages = append(req.Messages, msg)
	}
	if len(req.Messages) == 0 {
		return nil, malformed("messages must contain a non-tool message")
	}

	if !a.plain {
		req.Tools = rawOrNil(raw.Tools)
		req.ToolChoice = rawOrNil(raw.ToolChoice)
		req.ResponseFormat = rawOrNil(raw.ResponseFormat)
	}

	if err := req.Validate(); err != nil {
		return nil, malformed("%v", err)
	}
	return req, nil
}

func (a *OpenAI) FromInternalResponse(resp *schema.ChatResponse) any {
	created := resp.Created
	if created.IsZero() {
		created = time.Now()
	}
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}

	msg := openAIResultMessage{Role: string(schema.RoleAssistant), Content: resp.Content}
	if !a.plain {
		msg.ToolCalls = resp.ToolCalls
	}

	return openAIResponse{
		ID:      responseID(resp.ID),
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   resp.Model,
		Choices: []openAIChoice{{Index: 0, Message: msg, FinishReason: finish}},
		Usage:   resp.Usage,
	}
}

func (a *OpenAI) FromInternalStream(ctx context.Context, chunks <-chan *schema.StreamChunk) iter.Seq[string] {
	return func(yield func(string) bool) {
		streamID := "chatcmpl-" + uuid.NewString()
		first := true

		for {
			c, ok := next(ctx, chunks)
			if !ok {
				if ctx.Err() == nil {
					yield("data: [DONE]\n\n")
				}
				return
			}

			if c.Err != nil {
				if !yield(dataFrame(a.ErrorBody(errorStatus(c.Err), c.Err.Error()))) {
					return
				}
				yield("data: [DONE]\n\n")
				return
			}

			frame := openAIChunk{
				ID:      c.ID,
				Object:  "chat.completion.chunk",
				Created: c.Created.Unix(),
				Model:   c.Model,
				Usage:   c.Usage,
			}
			if frame.ID == "" {
				frame.ID = streamID
			}
			if c.Created.IsZero() {
				frame.Created = time.Now().Unix()
			}

			choice := openAIChunkChoice{Delta: openAIDelta{Content: c.Content}}
			if first {
				choice.Delta.Role = string(schema.RoleAssistant)
				first = false
			}
			if !a.plain {
				choice.Delta.ToolCalls = c.ToolCalls
			}
			if c.FinishReason != "" {
				reason := c.FinishReason
				choice.FinishReason = &reason
			}
			frame.Choices = []openAIChunkChoice{choice}

			if !yield(dataFrame(frame)) {
				return
			}
		}
	}
}

func (a *OpenAI) ErrorBody(status int, message string) any {
	return openAIError{Error: openAIErrorBody{
		Message: message,
		Type:    openAIErrorType(status),
		Code:    status,
	}}
}

func openAIErrorType(status int) string {
	switch {
	case status == 400:
		return "invalid_request_error"
	case status == 401 || status == 403:
		return "authentication_error"
	case status == 404:
		return "not_found_error"
	case status == 429:
		return "rate_limit_error"
	}
	return "server_error"
}

func responseID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.NewString()
}
