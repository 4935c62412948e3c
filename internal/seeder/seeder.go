// Package seeder creates the development API key.
package seeder

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/vnmchuo/chatgate/internal/auth"
)

const (
	TestAPIKey   = "test-api-key-12345"
	TestTenantID = "00000000-0000-0000-0000-000000000001"
)

// SeedTestAPIKey stores TestAPIKey for TestTenantID. An existing key is
// not an error.
func SeedTestAPIKey(ctx context.Context, store auth.Store, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	apiKey := &auth.APIKey{
		TenantID:  TestTenantID,
		Name:      "development",
		KeyHash:   auth.HashKey(TestAPIKey),
		RateLimit: 1000000,
		Active:    true,
	}

	switch err := store.Create(ctx, apiKey); {
	case errors.Is(err, auth.ErrKeyExists):
		logger.Info("test API key already exists")
		return
	case err != nil:
		logger.Warn("test API key not seeded", zap.Error(err))
		return
	}
	logger.Info("test API key created",
		zap.String("key", TestAPIKey),
		zap.String("tenant_id", TestTenantID))
}
