package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildFailoverChain_EligibleProvider(t *testing.T) {
	for _, initial := range EligibleProviders() {
		t.Run(initial, func(t *testing.T) {
			chain := BuildFailoverChain(initial)

			require.NotEmpty(t, chain)
			assert.Equal(t, initial, chain[0])
			assert.Contains(t, chain, DefaultProvider)

			seen := map[string]int{}
			for _, p := range chain {
				seen[p]++
			}
			for _, p := range EligibleProviders() {
				assert.Equal(t, 1, seen[p], "provider %s", p)
			}
			assert.Len(t, chain, len(EligibleProviders()))
		})
	}
}

func TestBuildFailoverChain_OpenRouterFirstThenCerebras(t *testing.T) {
	chain := BuildFailoverChain("OpenRouter")
	require.GreaterOrEqual(t, len(chain), 2)
	assert.Equal(t, []string{"openrouter", "cerebras"}, chain[:2])
}

func TestBuildFailoverChain_NonEligible(t *testing.T) {
	assert.Equal(t, []string{"my-private-llm"}, BuildFailoverChain("my-private-llm"))
	assert.Equal(t, []string{DefaultProvider}, BuildFailoverChain(""))
	assert.Equal(t, []string{DefaultProvider}, BuildFailoverChain("   "))
}

func TestEnforceModelFailoverRules(t *testing.T) {
	chain := BuildFailoverChain("cerebras")

	tests := []struct {
		model  string
		locked bool
	}{
		{"openai/gpt-4o", true},
		{"OpenAI/GPT-4o", true},
		{"anthropic/claude-3.5-sonnet", true},
		{"openrouter/auto", true},
		{"moonshotai/kimi-k2:exacto", true},
		{"meta-llama/llama-3.3-70b-instruct:free", true},
		{"meta-llama/llama-3.3-70b-instruct", false},
		{"gpt-4", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := EnforceModelFailoverRules(tt.model, chain, false)
			if tt.locked {
				assert.Equal(t, []string{"openrouter"}, got)
			} else {
				assert.Equal(t, chain, got)
			}

			assert.Equal(t, chain, EnforceModelFailoverRules(tt.model, chain, true))
		})
	}
}

func TestDefaultTransform(t *testing.T) {
	assert.Equal(t, "llama-3.3-70b", DefaultTransform("meta-llama/llama-3.3-70b", "cerebras"))
	assert.Equal(t, "meta-llama/llama-3.3-70b", DefaultTransform("meta-llama/llama-3.3-70b", "openrouter"))
	assert.Equal(t, "meta-llama/llama-3.3-70b", DefaultTransform("meta-llama/Llama-3.3-70B", "fireworks"))
	assert.Equal(t, "gpt-4", DefaultTransform("gpt-4", "cerebras"))
}
