package routing

import "strings"

// ModelTransformer maps a canonical model id to the identifier provider
// expects.
type ModelTransformer func(modelID, provider string) string

type transformStyle uint8

const (
	keepID transformStyle = iota
	stripNamespace
	lowerID
)

// providerIDStyle lists providers that do not accept OpenRouter-style
// "vendor/model" ids verbatim.
var providerIDStyle = map[string]transformStyle{
	"cerebras":      stripNamespace,
	"alibaba-cloud": stripNamespace,
	"google-vertex": stripNamespace,
	"openai":        stripNamespace,
	"anthropic":     stripNamespace,
	"gemini":        stripNamespace,
	"huggingface":   keepID,
	"featherless":   keepID,
	"together":      keepID,
	"fireworks":     lowerID,
}

// DefaultTransform is the legacy model-id transform used when a model is
// not in the canonical registry.
func DefaultTransform(modelID, provider string) string {
	switch providerIDStyle[strings.ToLower(provider)] {
	case stripNamespace:
		if i := strings.LastIndex(modelID, "/"); i >= 0 {
			return modelID[i+1:]
		}
	case lowerID:
		return strings.ToLower(modelID)
	}
	return modelID
}
