package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vnmchuo/chatgate/internal/routing"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads the catalog from the model_providers table.
type PostgresSource struct {
	db DB
}

func NewPostgresSource(db DB) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) GetModel(ctx context.Context, modelID string) (*routing.CanonicalModel, error) {
	query := `
		SELECT m.id, COALESCE(m.primary_provider, ''), p.provider, p.provider_model_id, p.priority, p.enabled
		FROM models m
		JOIN model_providers p ON p.model_id = m.id
		WHERE m.id = $1
		ORDER BY p.priority ASC, p.provider ASC
	`

	rows, err := s.db.Query(ctx, query, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to query model %q: %w", modelID, err)
	}
	defer rows.Close()

	var model *routing.CanonicalModel
	for rows.Next() {
		var (
			id, primary string
			p           routing.CanonicalProvider
		)
		if err := rows.Scan(&id, &primary, &p.Name, &p.ModelID, &p.Priority, &p.Enabled); err != nil {
			return nil, fmt.Errorf("failed to scan model provider: %w", err)
		}
		if model == nil {
			model = &routing.CanonicalModel{ID: id, PrimaryProvider: primary}
		}
		model.Providers = append(model.Providers, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read model %q: %w", modelID, err)
	}
	if model == nil {
		return nil, routing.ErrModelNotFound
	}
	return model, nil
}
