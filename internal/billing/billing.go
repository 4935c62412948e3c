// Package billing persists per-request usage and cost.
package billing

import (
	"context"
	"time"
)

// UsageLog is one served request. Provider and ProviderModel name the
// attempt that actually served it, Model the id the caller asked for.
type UsageLog struct {
	ID            string
	TenantID      string
	RequestID     string
	Provider      string
	Model         string
	ProviderModel string
	Format        string
	Stream        bool
	InputTokens   int
	OutputTokens  int
	InputCostUSD  float64
	OutputCostUSD float64
	CostUSD       float64
	LatencyMs     int64
	CreatedAt     time.Time
}

type Store interface {
	LogUsage(ctx context.Context, log *UsageLog) error
	GetUsageByTenant(ctx context.Context, tenantID string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByTenant(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
}
