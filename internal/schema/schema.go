// Package schema holds the provider-neutral chat representation shared by
// the format adapters, the router and the provider clients.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the four chat roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

var (
	ErrNoMessages     = errors.New("at least one message is required")
	ErrInvalidRole    = errors.New("invalid role")
	ErrMissingContent = errors.New("message content is required")
	ErrNegativeTokens = errors.New("token counts must be non-negative")
)

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
	// Index is only set on streamed tool call fragments.
	Index *int `json:"index,omitempty"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

func (m Message) validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if m.Content.IsAbsent() && !(m.Role == RoleTool && m.ToolCallID != "") {
		return fmt.Errorf("%w for role %s", ErrMissingContent, m.Role)
	}
	return nil
}

// ChatRequest is the unified chat completion request. Optional sampling
// parameters are pointers so that "unset" survives translation.
type ChatRequest struct {
	Messages         []Message
	Model            string
	Temperature      *float64
	MaxTokens        *int
	TopP             *float64
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Stop             []string
	Stream           bool
	Tools            json.RawMessage
	ToolChoice       json.RawMessage
	ResponseFormat   json.RawMessage
	User             string

	// Provider names the provider the caller wants tried first.
	Provider string
}

// Validate checks the structural invariants of the request.
func (r *ChatRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	for i, m := range r.Messages {
		if err := m.validate(); err != nil {
			return fmt.Errorf("messages[%d]: %w", i, err)
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return fmt.Errorf("max_tokens: %w", ErrNegativeTokens)
	}
	return nil
}

// WithModel returns a shallow copy of the request addressed to model.
func (r *ChatRequest) WithModel(model string) *ChatRequest {
	out := *r
	out.Model = model
	return &out
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func NewUsage(prompt, completion int) Usage {
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func (u Usage) Validate() error {
	if u.PromptTokens < 0 || u.CompletionTokens < 0 || u.TotalTokens < 0 {
		return ErrNegativeTokens
	}
	return nil
}

// ChatResponse is built once by the gateway after a provider attempt
// succeeds.
type ChatResponse struct {
	ID           string
	Model        string
	Content      string
	Usage        Usage
	FinishReason string
	ToolCalls    []ToolCall

	// ProviderUsed and ProviderModel identify the attempt that served the
	// request.
	ProviderUsed  string
	ProviderModel string

	CostUSD       float64
	InputCostUSD  float64
	OutputCostUSD float64

	ProcessingTimeMs int64
	Created          time.Time
}

// StreamChunk is one ordered element of a streaming completion. A chunk
// with Err set is terminal.
type StreamChunk struct {
	ID           string
	Model        string
	Content      string
	Role         Role
	FinishReason string
	ToolCalls    []ToolCall
	Usage        *Usage
	Created      time.Time

	Err error
}

// PlainText flattens message content into a single string, joining text
// blocks with newlines.
func PlainText(c Content) string {
	if c.IsText() {
		return c.Text()
	}
	var parts []string
	for _, b := range c.Blocks() {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
