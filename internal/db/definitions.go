package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GetDefinition retrieves a definition by ID. Soft-deleted definitions are treated as missing.
func (db *DB) GetDefinition(ctx context.Context, id uuid.UUID) (*Definition, error) {
	var def Definition
	var contentJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, content, created_at
		 FROM definitions WHERE id = $1 AND deleted_at IS NULL`,
		id,
	).Scan(&def.ID, &def.Name, &contentJSON, &def.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	if len(contentJSON) > 0 {
		_ = json.Unmarshal(contentJSON, &def.Content)
	}
	return &def, nil
}

// ListActiveScenarioIDs returns the ordered ids of a definition's non-deleted scenarios
func (db *DB) ListActiveScenarioIDs(ctx context.Context, definitionID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id FROM scenarios
		 WHERE definition_id = $1 AND deleted_at IS NULL
		 ORDER BY created_at, id`,
		definitionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenarios: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan scenario id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetScenario retrieves a scenario by ID
func (db *DB) GetScenario(ctx context.Context, id uuid.UUID) (*Scenario, error) {
	var s Scenario
	var contentJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, definition_id, name, content, created_at
		 FROM scenarios WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.DefinitionID, &s.Name, &contentJSON, &s.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get scenario: %w", err)
	}
	if len(contentJSON) > 0 {
		_ = json.Unmarshal(contentJSON, &s.Content)
	}
	return &s, nil
}

// GetExperiment retrieves an experiment by ID
func (db *DB) GetExperiment(ctx context.Context, id uuid.UUID) (*Experiment, error) {
	var e Experiment
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, created_at FROM experiments WHERE id = $1`,
		id,
	).Scan(&e.ID, &e.Name, &e.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return &e, nil
}
