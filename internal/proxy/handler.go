package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/adapter"
	"github.com/vnmchuo/chatgate/internal/auth"
	"github.com/vnmchuo/chatgate/internal/billing"
	"github.com/vnmchuo/chatgate/internal/failure"
	"github.com/vnmchuo/chatgate/internal/schema"
	"github.com/vnmchuo/chatgate/internal/worker"
	"github.com/vnmchuo/chatgate/pkg/ratelimit"
)

const (
	// ProviderHeader names the provider that served a response.
	ProviderHeader = "X-Gateway-Provider"

	maxBodyBytes = 10 << 20

	// defaultEstimatedTokens is charged against the rate limit when the
	// request does not set max_tokens.
	defaultEstimatedTokens = 1000
)

type Handler struct {
	gateway *Gateway
	billing billing.Store
	usage   worker.Queue
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewHandler builds the HTTP handlers. usage and limiter may be nil.
func NewHandler(gateway *Gateway, billing billing.Store, usage worker.Queue, limiter *ratelimit.Limiter, tracer trace.Tracer, logger *zap.Logger) *Handler {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("chatgate")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		gateway: gateway,
		billing: billing,
		usage:   usage,
		limiter: limiter,
		tracer:  tracer,
		logger:  logger,
	}
}

// HandleOpenAI serves POST /v1/chat/completions.
func (h *Handler) HandleOpenAI(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, adapter.NewOpenAI())
}

// HandleAnthropic serves POST /v1/messages.
func (h *Handler) HandleAnthropic(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, adapter.NewAnthropic())
}

// HandleAISDK serves POST /api/chat/ai-sdk.
func (h *Handler) HandleAISDK(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, adapter.NewAISDK())
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, ad adapter.Adapter) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, ad.ErrorBody(http.StatusUnauthorized, "unauthorized"))
		return
	}

	requestID := auth.GetRequestID(ctx)
	if requestID == "" {
		requestID = uuid.New().String()
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ad.ErrorBody(http.StatusBadRequest, "invalid request body"))
		return
	}
	req, err := ad.ToInternalRequest(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ad.ErrorBody(http.StatusBadRequest, err.Error()))
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy."+string(ad.Format()))
	defer span.End()
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("request_id", requestID),
		attribute.String("model", req.Model),
		attribute.Bool("stream", req.Stream),
	)

	if !h.allow(ctx, tenantID, req) {
		w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, ad.ErrorBody(http.StatusTooManyRequests, "rate limit exceeded"))
		return
	}

	rec := &billing.UsageLog{
		TenantID:  tenantID,
		RequestID: requestID,
		Model:     req.Model,
		Format:    string(ad.Format()),
		Stream:    req.Stream,
	}
	if req.Stream {
		h.stream(ctx, w, ad, req, rec)
		return
	}

	start := time.Now()
	resp, err := h.gateway.Complete(ctx, req)
	if err != nil {
		h.writeError(w, ad, err)
		return
	}
	span.SetAttributes(attribute.String("provider_used", resp.ProviderUsed))

	rec.Provider = resp.ProviderUsed
	rec.ProviderModel = resp.ProviderModel
	rec.InputTokens = resp.Usage.PromptTokens
	rec.OutputTokens = resp.Usage.CompletionTokens
	rec.InputCostUSD = resp.InputCostUSD
	rec.OutputCostUSD = resp.OutputCostUSD
	rec.CostUSD = resp.CostUSD
	rec.LatencyMs = time.Since(start).Milliseconds()
	h.record(ctx, rec)

	w.Header().Set(ProviderHeader, resp.ProviderUsed)
	writeJSON(w, http.StatusOK, ad.FromInternalResponse(resp))
}

func (h *Handler) stream(ctx context.Context, w http.ResponseWriter, ad adapter.Adapter, req *schema.ChatRequest, rec *billing.UsageLog) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, ad.ErrorBody(http.StatusInternalServerError, "streaming unsupported"))
		return
	}

	start := time.Now()
	s, err := h.gateway.Stream(ctx, req)
	if err != nil {
		h.writeError(w, ad, err)
		return
	}
	defer s.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(ProviderHeader, s.Provider)
	w.WriteHeader(http.StatusOK)

	for frame := range ad.FromInternalStream(ctx, s.Chunks()) {
		if _, err := io.WriteString(w, frame); err != nil {
			h.logger.Debug("client went away mid-stream", zap.String("request_id", rec.RequestID), zap.Error(err))
			break
		}
		flusher.Flush()
	}
	s.Close()

	usage, in, out := s.Usage()
	rec.Provider = s.Provider
	rec.ProviderModel = s.ProviderModel
	rec.InputTokens = usage.PromptTokens
	rec.OutputTokens = usage.CompletionTokens
	rec.InputCostUSD = in
	rec.OutputCostUSD = out
	rec.CostUSD = in + out
	rec.LatencyMs = time.Since(start).Milliseconds()
	h.record(ctx, rec)
}

// allow charges the request against the tenant budget. Limiter failures
// let the request through.
func (h *Handler) allow(ctx context.Context, tenantID string, req *schema.ChatRequest) bool {
	if h.limiter == nil {
		return true
	}
	estimated := defaultEstimatedTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		estimated = *req.MaxTokens
	}
	allowed, err := h.limiter.Allow(ctx, tenantID, estimated)
	if err != nil {
		h.logger.Warn("rate limiter unavailable", zap.String("tenant_id", tenantID), zap.Error(err))
		return true
	}
	return allowed
}

func (h *Handler) record(ctx context.Context, rec *billing.UsageLog) {
	if h.usage == nil {
		return
	}
	if err := h.usage.Enqueue(context.WithoutCancel(ctx), rec); err != nil {
		h.logger.Warn("usage not recorded", zap.String("request_id", rec.RequestID), zap.Error(err))
	}
}

// writeError renders a gateway failure in the caller's format.
func (h *Handler) writeError(w http.ResponseWriter, ad adapter.Adapter, err error) {
	var o *failure.Outcome
	switch {
	case errors.As(err, &o):
		if o.Code == http.StatusTooManyRequests && o.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(o.RetryAfter))
		}
		writeJSON(w, o.Code, ad.ErrorBody(o.Code, o.Detail))
	case errors.Is(err, context.Canceled):
		// The client is gone; nothing to write.
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, ad.ErrorBody(http.StatusGatewayTimeout, "request timed out"))
	default:
		h.logger.Error("unclassified gateway error", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, ad.ErrorBody(http.StatusBadGateway, "upstream request failed"))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := auth.GetTenantID(ctx)
	if tenantID == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	// Parse query parameters
	now := time.Now()
	from := now.AddDate(0, 0, -30) // Default: last 30 days
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		var err error
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'from' date format (use RFC3339)"})
			return
		}
	}
	if s := r.URL.Query().Get("to"); s != "" {
		var err error
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid 'to' date format (use RFC3339)"})
			return
		}
	}

	logs, err := h.billing.GetUsageByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("usage query failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}

	totalCost, err := h.billing.GetTotalCostByTenant(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("usage cost query failed", zap.String("tenant_id", tenantID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load usage"})
		return
	}

	byProvider := map[string]float64{}
	for _, l := range logs {
		byProvider[l.Provider] += l.CostUSD
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":        tenantID,
		"total_requests":   len(logs),
		"total_cost_usd":   totalCost,
		"cost_by_provider": byProvider,
		"logs":             logs,
		"from":             from,
		"to":               to,
	})
}
