package seeder

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vnmchuo/chatgate/internal/auth"
)

type recordingStore struct {
	created []*auth.APIKey
	err     error
}

func (s *recordingStore) GetByKey(context.Context, string) (*auth.APIKey, error) {
	return nil, auth.ErrKeyNotFound
}

func (s *recordingStore) Create(_ context.Context, k *auth.APIKey) error {
	s.created = append(s.created, k)
	return s.err
}

func (s *recordingStore) Revoke(context.Context, string) error { return nil }

func TestSeedTestAPIKey(t *testing.T) {
	store := &recordingStore{}
	SeedTestAPIKey(context.Background(), store, zaptest.NewLogger(t))

	require.Len(t, store.created, 1)
	assert.Equal(t, TestTenantID, store.created[0].TenantID)
	assert.Equal(t, auth.HashKey(TestAPIKey), store.created[0].KeyHash)
	assert.True(t, store.created[0].Active)
	assert.Equal(t, "development", store.created[0].Name)
}

func TestSeedTestAPIKey_Exists(t *testing.T) {
	for _, err := range []error{auth.ErrKeyExists, errors.New("db down")} {
		store := &recordingStore{err: err}
		assert.NotPanics(t, func() { SeedTestAPIKey(context.Background(), store, nil) })
		assert.Len(t, store.created, 1)
	}
}
