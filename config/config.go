package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ProviderConfig configures one OpenAI-compatible upstream.
type ProviderConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	// InputCost and OutputCost are USD per token.
	InputCost  float64
	OutputCost float64
}

// compatibleProviders lists the OpenAI-compatible upstreams and their
// defaults. Keys are read from <NAME>_API_KEY; <NAME>_BASE_URL,
// <NAME>_INPUT_COST and <NAME>_OUTPUT_COST override the defaults. NAME is
// the upper-cased provider name with dashes replaced by underscores.
var compatibleProviders = []ProviderConfig{
	{Name: "openrouter", BaseURL: "https://openrouter.ai/api/v1"},
	{Name: "cerebras", BaseURL: "https://api.cerebras.ai/v1"},
	{Name: "huggingface", BaseURL: "https://router.huggingface.co/v1"},
	{Name: "featherless", BaseURL: "https://api.featherless.ai/v1"},
	{Name: "vercel-ai-gateway", BaseURL: "https://ai-gateway.vercel.sh/v1"},
	{Name: "aihubmix", BaseURL: "https://aihubmix.com/v1"},
	{Name: "anannas", BaseURL: "https://api.anannas.ai/v1"},
	{Name: "alibaba-cloud", BaseURL: "https://dashscope-intl.aliyuncs.com/compatible-mode/v1"},
	{Name: "fireworks", BaseURL: "https://api.fireworks.ai/inference/v1"},
	{Name: "together", BaseURL: "https://api.together.xyz/v1"},
	{Name: "google-vertex"},
	{Name: "openai", BaseURL: "https://api.openai.com/v1", InputCost: 0.00000015, OutputCost: 0.00000060},
}

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Providers
	GeminiAPIKey    string
	AnthropicAPIKey string
	// Compatible holds the OpenAI-compatible providers that have a key.
	Compatible []ProviderConfig

	// Failover
	ProviderTimeout  time.Duration            // default: 30s
	ProviderTimeouts map[string]time.Duration // per-provider overrides

	// Model registry
	RegistrySource   string // "none", "file" or "postgres"
	RegistryPath     string
	RegistryCacheTTL time.Duration // default: 1m

	// Availability
	AvailabilityBackend string // "breaker" or "redis"

	// Observability
	OTELExporterType     string  // "stdout", "otlp" or "none"
	OTELExporterEndpoint string  // default: "localhost:4317"
	OTELSampleRatio      float64 // fraction of root traces kept, default: 1
	LogLevel             string  // default: "info"
	LogFormat            string  // "json" or "console"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		RegistrySource:       strings.ToLower(getEnv("REGISTRY_SOURCE", "none")),
		RegistryPath:         getEnv("REGISTRY_PATH", "models.yaml"),
		AvailabilityBackend:  strings.ToLower(getEnv("AVAILABILITY_BACKEND", "breaker")),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogFormat:            getEnv("LOG_FORMAT", "json"),
	}

	for _, p := range compatibleProviders {
		env := strings.ToUpper(strings.ReplaceAll(p.Name, "-", "_"))
		p.APIKey = os.Getenv(env + "_API_KEY")
		p.BaseURL = getEnv(env+"_BASE_URL", p.BaseURL)
		if p.APIKey == "" || p.BaseURL == "" {
			continue
		}
		var err error
		if p.InputCost, err = parseCost(env+"_INPUT_COST", p.InputCost); err != nil {
			return nil, err
		}
		if p.OutputCost, err = parseCost(env+"_OUTPUT_COST", p.OutputCost); err != nil {
			return nil, err
		}
		cfg.Compatible = append(cfg.Compatible, p)
	}

	// Rate Limiting Default
	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	if cfg.ProviderTimeout, err = time.ParseDuration(getEnv("PROVIDER_TIMEOUT", "30s")); err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUT: %w", err)
	}
	if cfg.ProviderTimeouts, err = parseTimeouts(os.Getenv("PROVIDER_TIMEOUTS")); err != nil {
		return nil, fmt.Errorf("invalid PROVIDER_TIMEOUTS: %w", err)
	}
	if cfg.RegistryCacheTTL, err = time.ParseDuration(getEnv("REGISTRY_CACHE_TTL", "1m")); err != nil {
		return nil, fmt.Errorf("invalid REGISTRY_CACHE_TTL: %w", err)
	}
	if cfg.OTELSampleRatio, err = strconv.ParseFloat(getEnv("OTEL_SAMPLE_RATIO", "1"), 64); err != nil {
		return nil, fmt.Errorf("invalid OTEL_SAMPLE_RATIO: %w", err)
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if cfg.ProviderTimeout <= 0 {
		return nil, fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if cfg.OTELSampleRatio < 0 || cfg.OTELSampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	switch cfg.OTELExporterType {
	case "stdout", "otlp", "none":
	default:
		return nil, fmt.Errorf("invalid OTEL_EXPORTER_TYPE %q", cfg.OTELExporterType)
	}
	switch cfg.RegistrySource {
	case "none", "file", "postgres":
	default:
		return nil, fmt.Errorf("invalid REGISTRY_SOURCE %q", cfg.RegistrySource)
	}
	switch cfg.AvailabilityBackend {
	case "breaker", "redis":
	default:
		return nil, fmt.Errorf("invalid AVAILABILITY_BACKEND %q", cfg.AvailabilityBackend)
	}

	return cfg, nil
}

// TimeoutFor returns the attempt timeout for provider.
func (c *Config) TimeoutFor(provider string) time.Duration {
	if d, ok := c.ProviderTimeouts[strings.ToLower(provider)]; ok {
		return d
	}
	return c.ProviderTimeout
}

// parseTimeouts parses "name=duration" pairs separated by commas.
func parseTimeouts(s string) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, dur, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected name=duration, got %q", pair)
		}
		d, err := time.ParseDuration(strings.TrimSpace(dur))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s: duration must be positive", name)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = d
	}
	return out, nil
}

// parseCost reads a non-negative USD per token price from key.
func parseCost(key string, fallback float64) (float64, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	cost, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if cost < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return cost, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
