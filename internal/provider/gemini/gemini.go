package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/provider"
	"github.com/vnmchuo/chatgate/internal/schema"
)

const DefaultBaseURL = "https://generativelanguage.googleapis.com"

type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inlineData,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
	Thought      bool          `json:"thought,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type functionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type generationConfig struct {
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate   `json:"candidates"`
	UsageMetadata  geminiUsageMetadata `json:"usageMetadata"`
	PromptFeedback *promptFeedback     `json:"promptFeedback,omitempty"`
	ModelVersion   string              `json:"modelVersion"`
	ResponseID     string              `json:"responseId"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func New(apiKey string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		client:  http.DefaultClient,
	}
}

// WithBaseURL points the client at another Generative Language API host.
func (p *GeminiProvider) WithBaseURL(u string) *GeminiProvider {
	p.baseURL = strings.TrimRight(u, "/")
	return p
}

func (p *GeminiProvider) Complete(ctx context.Context, req *schema.ChatRequest) (*provider.Response, error) {
	resp, err := p.do(ctx, req, "generateContent", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, &failure.ProviderError{Provider: p.Name(), Kind: failure.KindUpstreamServer, Message: "decode response: " + err.Error(), Cause: err}
	}
	if err := p.checkCandidates(&geminiResp); err != nil {
		return nil, err
	}

	cand := geminiResp.Candidates[0]
	text, calls := splitParts(cand.Content.Parts)
	model := geminiResp.ModelVersion
	if model == "" {
		model = req.Model
	}
	return &provider.Response{
		ID:           responseID(geminiResp.ResponseID),
		Model:        model,
		Content:      text,
		ToolCalls:    calls,
		FinishReason: finishReason(cand.FinishReason, len(calls) > 0),
		Usage:        usage(geminiResp.UsageMetadata),
		Created:      time.Now(),
	}, nil
}

// checkCandidates reports a blocked prompt or an answer without usable
// candidates as NoCandidates.
func (p *GeminiProvider) checkCandidates(r *geminiResponse) error {
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return failure.NoCandidates(p.Name(), "prompt blocked: "+r.PromptFeedback.BlockReason)
	}
	if len(r.Candidates) == 0 {
		return failure.NoCandidates(p.Name(), "")
	}
	c := r.Candidates[0]
	if len(c.Content.Parts) == 0 {
		reason := c.FinishReason
		if reason == "" {
			reason = "empty candidate"
		}
		return failure.NoCandidates(p.Name(), reason)
	}
	return nil
}

func (p *GeminiProvider) mapRequest(req *schema.ChatRequest) geminiRequest {
	var (
		system   []geminiPart
		contents []geminiContent
	)
	for _, m := range req.Messages {
		switch m.Role {
		case schema.RoleSystem:
			system = append(system, geminiPart{Text: schema.PlainText(m.Content)})
			continue
		case schema.RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: schema.PlainText(m.Content)}}})
			continue
		}
		contents = append(contents, geminiContent{Role: "user", Parts: userParts(m.Content)})
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		},
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: system}
	}
	if strings.Contains(string(req.ResponseFormat), "json") {
		out.GenerationConfig.ResponseMimeType = "application/json"
	}
	return out
}

func userParts(c schema.Content) []geminiPart {
	if c.IsText() || c.IsAbsent() {
		return []geminiPart{{Text: c.Text()}}
	}
	var parts []geminiPart
	for _, b := range c.Blocks() {
		switch b.Type {
		case schema.BlockText:
			parts = append(parts, geminiPart{Text: b.Text})
		case schema.BlockImageURL:
			if b.ImageURL == nil {
				continue
			}
			if data := parseDataURI(b.ImageURL.URL); data != nil {
				parts = append(parts, geminiPart{InlineData: data})
			} else {
				parts = append(parts, geminiPart{Text: b.ImageURL.URL})
			}
		}
	}
	if len(parts) == 0 {
		parts = []geminiPart{{Text: ""}}
	}
	return parts
}

func parseDataURI(u string) *inlineData {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return nil
	}
	meta, data, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil
	}
	return &inlineData{MimeType: strings.TrimSuffix(meta, ";base64"), Data: data}
}

func splitParts(parts []geminiPart) (string, []schema.ToolCall) {
	var (
		text  strings.Builder
		calls []schema.ToolCall
	)
	for _, part := range parts {
		if part.Thought {
			continue
		}
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, schema.ToolCall{
				ID:       "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
				Type:     "function",
				Function: schema.FunctionCall{Name: part.FunctionCall.Name, Arguments: args},
			})
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String(), calls
}

func finishReason(reason string, toolCalls bool) string {
	if toolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	case "":
		return ""
	}
	return "stop"
}

func usage(u geminiUsageMetadata) schema.Usage {
	out := schema.NewUsage(u.PromptTokenCount, u.CandidatesTokenCount)
	if u.TotalTokenCount > out.TotalTokens {
		out.TotalTokens = u.TotalTokenCount
	}
	return out
}

func responseID(id string) string {
	if id != "" {
		return id
	}
	return "gemini-" + uuid.NewString()
}

func (p *GeminiProvider) do(ctx context.Context, req *schema.ChatRequest, method string, query url.Values) (*http.Response, error) {
	if p.apiKey == "" {
		return nil, failure.NotConfigured(p.Name())
	}
	body, err := json.Marshal(p.mapRequest(req))
	if err != nil {
		return nil, err
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("key", p.apiKey)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:%s?%s", p.baseURL, url.PathEscape(req.Model), method, query.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *schema.ChatRequest) (<-chan *schema.StreamChunk, error) {
	resp, err := p.do(ctx, req, "streamGenerateContent", url.Values{"alt": {"sse"}})
	if err != nil {
		return nil, err
	}

	ch := make(chan *schema.StreamChunk)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		id := responseID("")
		first := true
		err := provider.ReadSSE(resp.Body, func(_, data string) error {
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				return fmt.Errorf("decode stream chunk: %w", err)
			}
			if first {
				if err := p.checkCandidates(&geminiResp); err != nil {
					return err
				}
			}

			out := &schema.StreamChunk{ID: id, Model: geminiResp.ModelVersion, Created: time.Now()}
			if out.Model == "" {
				out.Model = req.Model
			}
			if len(geminiResp.Candidates) > 0 {
				c := geminiResp.Candidates[0]
				out.Content, out.ToolCalls = splitParts(c.Content.Parts)
				out.FinishReason = finishReason(c.FinishReason, len(out.ToolCalls) > 0)
				if out.FinishReason != "" {
					u := usage(geminiResp.UsageMetadata)
					out.Usage = &u
				}
			}
			if out.Content == "" && out.FinishReason == "" && len(out.ToolCalls) == 0 {
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

// mapError turns a non-200 Generative Language API response into a
// ProviderError.
func mapError(status int, body []byte, header http.Header) *failure.ProviderError {
	var ge geminiError
	msg := body
	if json.Unmarshal(body, &ge) == nil && ge.Error.Message != "" {
		msg = []byte(ge.Error.Message)
	}

	e := failure.FromHTTPStatus("gemini", status, msg, header)
	switch ge.Error.Status {
	case "RESOURCE_EXHAUSTED":
		e.Kind = failure.KindRateLimited
	case "NOT_FOUND":
		e.Kind = failure.KindModelNotFound
	case "PERMISSION_DENIED", "UNAUTHENTICATED":
		if strings.Contains(strings.ToLower(e.Message), "api key") {
			e.Kind = failure.KindAuth
		}
	case "INVALID_ARGUMENT":
		if strings.Contains(strings.ToLower(e.Message), "api key not valid") {
			e.Kind = failure.KindAuth
		}
	}
	return e
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func (p *GeminiProvider) CostPerInputToken() float64 {
	return 0.000000125
}

func (p *GeminiProvider) CostPerOutputToken() float64 {
	return 0.000000375
}
