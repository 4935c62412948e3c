package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/config"
	"github.com/vnmchuo/chatgate/internal/auth"
	"github.com/vnmchuo/chatgate/internal/availability"
	"github.com/vnmchuo/chatgate/internal/billing"
	"github.com/vnmchuo/chatgate/internal/logging"
	"github.com/vnmchuo/chatgate/internal/provider"
	"github.com/vnmchuo/chatgate/internal/provider/claude"
	"github.com/vnmchuo/chatgate/internal/provider/gemini"
	"github.com/vnmchuo/chatgate/internal/provider/openai"
	"github.com/vnmchuo/chatgate/internal/proxy"
	"github.com/vnmchuo/chatgate/internal/registry"
	"github.com/vnmchuo/chatgate/internal/routing"
	"github.com/vnmchuo/chatgate/internal/seeder"
	"github.com/vnmchuo/chatgate/internal/telemetry"
	"github.com/vnmchuo/chatgate/internal/worker"
	"github.com/vnmchuo/chatgate/pkg/ratelimit"
)

const serviceName = "chatgate"

// availabilityService answers circuit queries and learns from attempts.
type availabilityService interface {
	routing.Availability
	routing.AttemptObserver
}

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg, logger)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	// 3. Connect PostgreSQL
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init billing and the usage recorder
	billingStore := billing.NewPostgresStore(pool)
	recorder := worker.NewUsageRecorder(billingStore, 1024, logger)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		_ = recorder.Process(workerCtx)
	}()

	// 7. Init rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)

	// 8. Init providers
	providers := buildProviders(cfg, logger)

	// 9. Init routing
	models, err := buildRegistry(ctx, cfg, pool, logger)
	if err != nil {
		logger.Fatal("failed to init model registry", zap.Error(err))
	}

	var avail availabilityService
	switch cfg.AvailabilityBackend {
	case "redis":
		avail = availability.NewRedisService(rdb, availability.DefaultConfig(), logger)
	default:
		avail = availability.NewBreakerService(availability.DefaultConfig(), logger)
	}

	router := routing.NewRouter(models, routing.WithLogger(logger))
	gateway := proxy.NewGateway(providers, router,
		routing.NewCircuitFilter(avail, logger),
		proxy.WithObservers(avail, metrics),
		proxy.WithTimeouts(cfg.TimeoutFor),
		proxy.WithTracer(otel.GetTracerProvider().Tracer(serviceName)),
		proxy.WithLogger(logger),
	)

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	handler := proxy.NewHandler(gateway, billingStore, recorder, limiter, tracer, logger)

	// 11. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(logging.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"chatgate"}`))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleOpenAI)
		r.Post("/v1/messages", handler.HandleAnthropic)
		r.Post("/api/chat/ai-sdk", handler.HandleAISDK)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streams can outlive any fixed write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("chatgate starting",
			zap.String("port", cfg.Port),
			zap.Strings("providers", providers.Names()),
			zap.String("registry", cfg.RegistrySource),
			zap.String("availability", cfg.AvailabilityBackend))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	stopWorker()
	workers.Wait()
	logger.Info("server stopped")
}

func buildProviders(cfg *config.Config, logger *zap.Logger) *provider.Set {
	var list []provider.Provider
	if cfg.AnthropicAPIKey != "" {
		list = append(list, claude.New(cfg.AnthropicAPIKey))
	}
	if cfg.GeminiAPIKey != "" {
		list = append(list, gemini.New(cfg.GeminiAPIKey))
	}
	for _, pc := range cfg.Compatible {
		opts := []openai.Option{openai.WithPricing(pc.InputCost, pc.OutputCost)}
		if pc.InputCost == 0 && pc.OutputCost == 0 {
			logger.Warn("provider has no pricing, usage will be billed at zero", zap.String("provider", pc.Name))
		}
		if pc.Name == "openrouter" {
			opts = append(opts,
				openai.WithHeader("HTTP-Referer", "https://github.com/vnmchuo/chatgate"),
				openai.WithHeader("X-Title", serviceName))
		}
		list = append(list, openai.New(pc.Name, pc.APIKey, pc.BaseURL, opts...))
		logger.Debug("provider configured", zap.String("provider", pc.Name), zap.String("base_url", pc.BaseURL))
	}
	return provider.NewSet(list...)
}

func buildRegistry(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (routing.Registry, error) {
	switch cfg.RegistrySource {
	case "file":
		src, err := registry.NewFileSource(cfg.RegistryPath)
		if err != nil {
			return nil, err
		}
		go func() {
			if err := registry.Watch(ctx, src, 0, logger, nil); err != nil {
				logger.Error("model catalog watcher stopped", zap.Error(err))
			}
		}()
		logger.Info("model registry loaded", zap.String("path", src.Path()), zap.Int("models", src.Len()))
		return src, nil
	case "postgres":
		return registry.NewCache(registry.NewPostgresSource(pool), cfg.RegistryCacheTTL), nil
	}
	return nil, nil
}
