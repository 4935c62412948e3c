package ratelimit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	extratelimit "github.com/vnmchuo/ratelimiter"
)

type stubStore struct {
	allowed bool
	err     error
	key     string
	n       int
}

func (s *stubStore) AllowN(_ context.Context, key string, n int) (*extratelimit.Result, error) {
	s.key, s.n = key, n
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func (s *stubStore) Allow(ctx context.Context, key string) (*extratelimit.Result, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *stubStore) Status(_ context.Context, key string) (*extratelimit.Result, error) {
	s.key = key
	return &extratelimit.Result{Allowed: s.allowed}, s.err
}

func TestLimiter_Allow(t *testing.T) {
	store := &stubStore{allowed: true}
	l := NewWithStore(store)

	ok, err := l.Allow(context.Background(), "t1", 0)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ratelimit:tenant:t1", store.key)
	assert.Equal(t, 1, store.n)

	store.allowed = false
	ok, _ = l.Allow(context.Background(), "t1", 500)
	assert.False(t, ok)
	assert.Equal(t, 500, store.n)
}

func TestLimiter_StoreError(t *testing.T) {
	boom := errors.New("redis down")
	l := NewWithStore(&stubStore{err: boom})
	ok, err := l.Allow(context.Background(), "t1", 10)
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)

	_, err = l.Status(context.Background(), "t1")
	assert.ErrorIs(t, err, boom)
}
