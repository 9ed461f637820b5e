package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ListEnabledProviders retrieves every enabled provider
func (db *DB) ListEnabledProviders(ctx context.Context) ([]Provider, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, display_name, max_parallel_requests, requests_per_minute, is_enabled, updated_at
		 FROM llm_providers WHERE is_enabled ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	var providers []Provider
	for rows.Next() {
		var p Provider
		if err := rows.Scan(&p.ID, &p.Name, &p.DisplayName, &p.MaxParallelRequests,
			&p.RequestsPerMinute, &p.IsEnabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, p)
	}
	return providers, rows.Err()
}

// GetProvider retrieves a provider by name, enabled or not
func (db *DB) GetProvider(ctx context.Context, name string) (*Provider, error) {
	var p Provider
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, display_name, max_parallel_requests, requests_per_minute, is_enabled, updated_at
		 FROM llm_providers WHERE name = $1`,
		name,
	).Scan(&p.ID, &p.Name, &p.DisplayName, &p.MaxParallelRequests,
		&p.RequestsPerMinute, &p.IsEnabled, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get provider: %w", err)
	}
	return &p, nil
}

// ListModelProviders maps every model id of an enabled provider to the provider name
func (db *DB) ListModelProviders(ctx context.Context) (map[string]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.model_id, p.name
		 FROM llm_models m JOIN llm_providers p ON p.id = m.provider_id
		 WHERE p.is_enabled`)
	if err != nil {
		return nil, fmt.Errorf("failed to list model providers: %w", err)
	}
	defer rows.Close()

	mapping := make(map[string]string)
	for rows.Next() {
		var modelID, provider string
		if err := rows.Scan(&modelID, &provider); err != nil {
			return nil, fmt.Errorf("failed to scan model provider: %w", err)
		}
		mapping[modelID] = provider
	}
	return mapping, rows.Err()
}

// GetModelProvider resolves the enabled provider that owns a model.
// Returns "" when the model is unknown or its provider is disabled.
func (db *DB) GetModelProvider(ctx context.Context, modelID string) (string, error) {
	var provider string
	err := db.pool.QueryRow(ctx,
		`SELECT p.name
		 FROM llm_models m JOIN llm_providers p ON p.id = m.provider_id
		 WHERE m.model_id = $1 AND p.is_enabled`,
		modelID,
	).Scan(&provider)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get model provider: %w", err)
	}
	return provider, nil
}

// ListExistingModelIDs returns which of the given model ids exist
func (db *DB) ListExistingModelIDs(ctx context.Context, modelIDs []string) (map[string]bool, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT model_id FROM llm_models WHERE model_id = ANY($1)`, modelIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up models: %w", err)
	}
	defer rows.Close()

	found := make(map[string]bool, len(modelIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan model: %w", err)
		}
		found[id] = true
	}
	return found, rows.Err()
}

// GetModelPricing returns the known prices of the given models. Models without both
// prices set are omitted.
func (db *DB) GetModelPricing(ctx context.Context, modelIDs []string) (map[string]ModelPricing, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT model_id, cost_input_per_million::float8, cost_output_per_million::float8
		 FROM llm_models
		 WHERE model_id = ANY($1)
		   AND cost_input_per_million IS NOT NULL AND cost_output_per_million IS NOT NULL`,
		modelIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get model pricing: %w", err)
	}
	defer rows.Close()

	prices := make(map[string]ModelPricing, len(modelIDs))
	for rows.Next() {
		var id string
		var p ModelPricing
		if err := rows.Scan(&id, &p.CostInputPerMillion, &p.CostOutputPerMillion); err != nil {
			return nil, fmt.Errorf("failed to scan model pricing: %w", err)
		}
		prices[id] = p
	}
	return prices, rows.Err()
}

// UpdateProviderSettings applies operator edits to a provider's dispatch limits.
// Nil fields are left unchanged. Returns nil if the provider does not exist.
func (db *DB) UpdateProviderSettings(ctx context.Context, name string, s ProviderSettings) (*Provider, error) {
	var p Provider
	err := db.pool.QueryRow(ctx,
		`UPDATE llm_providers
		 SET max_parallel_requests = COALESCE($2, max_parallel_requests),
		     requests_per_minute = COALESCE($3, requests_per_minute),
		     is_enabled = COALESCE($4, is_enabled),
		     updated_at = NOW()
		 WHERE name = $1
		 RETURNING id, name, display_name, max_parallel_requests, requests_per_minute, is_enabled, updated_at`,
		name, s.MaxParallelRequests, s.RequestsPerMinute, s.IsEnabled,
	).Scan(&p.ID, &p.Name, &p.DisplayName, &p.MaxParallelRequests,
		&p.RequestsPerMinute, &p.IsEnabled, &p.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update provider settings: %w", err)
	}
	return &p, nil
}

// UpsertCatalog writes providers and models from a seed file in one transaction
func (db *DB) UpsertCatalog(ctx context.Context, providers []Provider, models []Model) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		for _, p := range providers {
			_, err := tx.Exec(ctx,
				`INSERT INTO llm_providers (name, display_name, max_parallel_requests, requests_per_minute, is_enabled)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (name) DO UPDATE
				 SET display_name = EXCLUDED.display_name,
				     max_parallel_requests = EXCLUDED.max_parallel_requests,
				     requests_per_minute = EXCLUDED.requests_per_minute,
				     is_enabled = EXCLUDED.is_enabled,
				     updated_at = NOW()`,
				p.Name, p.DisplayName, p.MaxParallelRequests, p.RequestsPerMinute, p.IsEnabled,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert provider %s: %w", p.Name, err)
			}
		}

		for _, m := range models {
			status := m.Status
			if status == "" {
				status = ModelStatusActive
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO llm_models (provider_id, model_id, display_name,
				                         cost_input_per_million, cost_output_per_million, status)
				 SELECT p.id, $2, $3, $4, $5, $6 FROM llm_providers p WHERE p.name = $1
				 ON CONFLICT (model_id) DO UPDATE
				 SET provider_id = EXCLUDED.provider_id,
				     display_name = EXCLUDED.display_name,
				     cost_input_per_million = EXCLUDED.cost_input_per_million,
				     cost_output_per_million = EXCLUDED.cost_output_per_million,
				     status = EXCLUDED.status,
				     updated_at = NOW()`,
				m.ProviderName, m.ModelID, m.DisplayName, m.CostInputPerMillion, m.CostOutputPerMillion, status,
			)
			if err != nil {
				return fmt.Errorf("failed to upsert model %s: %w", m.ModelID, err)
			}
		}
		return nil
	})
}
