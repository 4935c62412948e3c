// Package adapter translates between the external wire formats the gateway
// accepts and the internal chat representation.
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/vnmchuo/chatgate/internal/schema"
)

type Format string

const (
	FormatOpenAI    Format = "openai"
	FormatAnthropic Format = "anthropic"
	FormatAISDK     Format = "ai-sdk"
)

// ErrMalformedRequest wraps every request translation failure.
var ErrMalformedRequest = errors.New("malformed request")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRequest, fmt.Sprintf(format, args...))
}

// Adapter converts one external wire format to and from the internal
// representation. Implementations are stateless.
type Adapter interface {
	Format() Format

	// ToInternalRequest decodes and validates an external request body.
	ToInternalRequest(body []byte) (*schema.ChatRequest, error)

	// FromInternalResponse returns the JSON-encodable external response.
	FromInternalResponse(resp *schema.ChatResponse) any

	// FromInternalStream lazily renders chunks as wire-format SSE frames.
	// The sequence is single-pass and stops pulling from chunks as soon as
	// ctx is done or the consumer stops iterating.
	FromInternalStream(ctx context.Context, chunks <-chan *schema.StreamChunk) iter.Seq[string]

	// ErrorBody returns the JSON-encodable external error payload.
	ErrorBody(status int, message string) any
}

// ForFormat returns the adapter for f.
func ForFormat(f Format) (Adapter, error) {
	switch f {
	case FormatOpenAI:
		return NewOpenAI(), nil
	case FormatAnthropic:
		return NewAnthropic(), nil
	case FormatAISDK:
		return NewAISDK(), nil
	}
	return nil, fmt.Errorf("unknown format %q", f)
}

// statusCoder is implemented by classified gateway errors.
type statusCoder interface {
	StatusCode() int
}

func errorStatus(err error) int {
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return 502
}

// next receives the next chunk, returning false when the stream is over or
// ctx is done.
func next(ctx context.Context, chunks <-chan *schema.StreamChunk) (*schema.StreamChunk, bool) {
	select {
	case <-ctx.Done():
		return nil, false
	case c, ok := <-chunks:
		if !ok || c == nil {
			return nil, false
		}
		return c, true
	}
}

func dataFrame(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{"error":{"message":"failed to encode chunk","type":"server_error"}}`)
	}
	return "data: " + string(b) + "\n\n"
}

func eventFrame(event string, v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(`{}`)
	}
	return "event: " + event + "\ndata: " + string(b) + "\n\n"
}

func parseStop(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		if single == "" {
			return nil, nil
		}
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, malformed("stop must be a string or a list of strings")
	}
	return list, nil
}

func rawOrNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}
