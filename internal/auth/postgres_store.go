package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	selectKeySQL = `
		SELECT id, tenant_id, name, key_hash, rate_limit, active, expires_at, created_at
		FROM api_keys
		WHERE key_hash = $1 AND active AND (expires_at IS NULL OR expires_at > now())`

	insertKeySQL = `
		INSERT INTO api_keys (tenant_id, name, key_hash, rate_limit, active, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key_hash) DO NOTHING
		RETURNING id, created_at`

	revokeKeySQL = `UPDATE api_keys SET active = false WHERE id = $1 AND active`
)

// ErrKeyExists is returned by Create when the key hash is already stored.
var ErrKeyExists = errors.New("api key already exists")

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) Store {
	return &PostgresStore{db: db}
}

// HashKey returns the hex SHA-256 digest keys are stored and cached by.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// GetByKey returns the active, unexpired key matching the raw key.
func (s *PostgresStore) GetByKey(ctx context.Context, key string) (*APIKey, error) {
	var k APIKey
	err := s.db.QueryRow(ctx, selectKeySQL, HashKey(key)).Scan(
		&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.RateLimit, &k.Active, &k.ExpiresAt, &k.CreatedAt,
	)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return &k, nil
}

func (s *PostgresStore) Create(ctx context.Context, k *APIKey) error {
	if k.KeyHash == "" {
		return errors.New("create api key: key_hash is required")
	}
	err := s.db.QueryRow(ctx, insertKeySQL,
		k.TenantID, k.Name, k.KeyHash, k.RateLimit, k.Active, k.ExpiresAt,
	).Scan(&k.ID, &k.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return ErrKeyExists
	case err != nil:
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) Revoke(ctx context.Context, keyID string) error {
	tag, err := s.db.Exec(ctx, revokeKeySQL, keyID)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", keyID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
