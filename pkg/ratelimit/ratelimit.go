// Package ratelimit enforces per-tenant token budgets.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

// Window is the budget period of a tenant limit.
const Window = time.Minute

// Limiter is a thin wrapper around github.com/vnmchuo/ratelimiter keyed by
// tenant.
type Limiter struct {
	store extratelimit.Limiter
}

func NewLimiter(rdb *redis.Client, defaultTPM int64) *Limiter {
	store := extratelimit.NewRedisStore(rdb,
		extratelimit.WithLimit(int(defaultTPM)),
		extratelimit.WithWindow(Window),
	)
	return &Limiter{store: store}
}

// NewWithStore wraps an existing limiter store.
func NewWithStore(store extratelimit.Limiter) *Limiter {
	return &Limiter{store: store}
}

// Allow consumes tokens from the tenant budget.
func (l *Limiter) Allow(ctx context.Context, tenantID string, tokens int) (bool, error) {
	if tokens < 1 {
		tokens = 1
	}
	res, err := l.store.AllowN(ctx, key(tenantID), tokens)
	if err != nil {
		return false, fmt.Errorf("rate limit check for tenant %s: %w", tenantID, err)
	}
	return res.Allowed, nil
}

func (l *Limiter) Status(ctx context.Context, tenantID string) (*extratelimit.Result, error) {
	return l.store.Status(ctx, key(tenantID))
}

func key(tenantID string) string {
	return fmt.Sprintf("ratelimit:tenant:%s", tenantID)
}
