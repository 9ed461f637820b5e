package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// CreateTranscript stores a probe result. A transcript already stored for the same
// (run, scenario, model) is kept and false is returned.
func (db *DB) CreateTranscript(ctx context.Context, t *Transcript) (bool, error) {
	contentJSON, err := json.Marshal(t.Content)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transcript content: %w", err)
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}

	var id uuid.UUID
	err = db.pool.QueryRow(ctx,
		`INSERT INTO transcripts (id, run_id, scenario_id, model_id, model_version, content,
		                          turn_count, token_count, duration_ms, estimated_cost)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (run_id, scenario_id, model_id) DO NOTHING
		 RETURNING id`,
		t.ID, t.RunID, t.ScenarioID, t.ModelID, t.ModelVersion, contentJSON,
		t.TurnCount, t.TokenCount, t.DurationMs, t.EstimatedCost,
	).Scan(&id)
	if err != nil {
		if isNoRows(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create transcript: %w", err)
	}
	return true, nil
}

// GetTranscript retrieves a transcript by ID
func (db *DB) GetTranscript(ctx context.Context, id uuid.UUID) (*Transcript, error) {
	var t Transcript
	var contentJSON []byte
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, scenario_id, model_id, model_version, content, turn_count,
		        token_count, duration_ms, estimated_cost::float8, decision_code, decision_text,
		        summarized_at, summary_error, created_at
		 FROM transcripts WHERE id = $1`,
		id,
	).Scan(&t.ID, &t.RunID, &t.ScenarioID, &t.ModelID, &t.ModelVersion, &contentJSON,
		&t.TurnCount, &t.TokenCount, &t.DurationMs, &t.EstimatedCost, &t.DecisionCode,
		&t.DecisionText, &t.SummarizedAt, &t.SummaryError, &t.CreatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transcript: %w", err)
	}
	if len(contentJSON) > 0 {
		_ = json.Unmarshal(contentJSON, &t.Content)
	}
	return &t, nil
}

// ListTranscriptRefs lists every transcript of a run with its summary state
func (db *DB) ListTranscriptRefs(ctx context.Context, runID uuid.UUID) ([]TranscriptRef, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, scenario_id, model_id, summarized_at IS NOT NULL, summary_error IS NOT NULL
		 FROM transcripts WHERE run_id = $1 ORDER BY created_at, id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transcripts: %w", err)
	}
	defer rows.Close()

	var refs []TranscriptRef
	for rows.Next() {
		var ref TranscriptRef
		if err := rows.Scan(&ref.ID, &ref.ScenarioID, &ref.ModelID, &ref.Summarized, &ref.SummaryError); err != nil {
			return nil, fmt.Errorf("failed to scan transcript: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// CountTranscripts returns how many transcripts a run produced
func (db *DB) CountTranscripts(ctx context.Context, runID uuid.UUID) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transcripts WHERE run_id = $1`, runID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count transcripts: %w", err)
	}
	return count, nil
}

// SaveSummary records the decision extracted from a transcript and clears any prior error.
// Returns false if the transcript was already summarized.
func (db *DB) SaveSummary(ctx context.Context, transcriptID uuid.UUID, decisionCode, decisionText string) (bool, error) {
	result, err := db.pool.Exec(ctx,
		`UPDATE transcripts
		 SET decision_code = $2, decision_text = $3, summarized_at = NOW(), summary_error = NULL
		 WHERE id = $1 AND (summarized_at IS NULL OR summary_error IS NOT NULL)`,
		transcriptID, decisionCode, decisionText,
	)
	if err != nil {
		return false, fmt.Errorf("failed to save summary: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// SaveSummaryError records a permanent summarization failure on the transcript
func (db *DB) SaveSummaryError(ctx context.Context, transcriptID uuid.UUID, message string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE transcripts SET summary_error = $2, summarized_at = NOW() WHERE id = $1`,
		transcriptID, message,
	)
	if err != nil {
		return fmt.Errorf("failed to save summary error: %w", err)
	}
	return nil
}

// RecordProbeFailure stores a permanent probe failure. Returns false if the probe
// already has a recorded outcome.
func (db *DB) RecordProbeFailure(ctx context.Context, f *ProbeFailure) (bool, error) {
	result, err := db.pool.Exec(ctx,
		`INSERT INTO probe_failures (run_id, scenario_id, model_id, error_code, error_message)
		 SELECT $1, $2, $3, $4, $5
		 WHERE NOT EXISTS (
		     SELECT 1 FROM transcripts WHERE run_id = $1 AND scenario_id = $2 AND model_id = $3
		 )
		 ON CONFLICT (run_id, scenario_id, model_id) DO NOTHING`,
		f.RunID, f.ScenarioID, f.ModelID, f.ErrorCode, f.ErrorMessage,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record probe failure: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListProbeFailureKeys returns the probes of a run that failed permanently
func (db *DB) ListProbeFailureKeys(ctx context.Context, runID uuid.UUID) ([]ProbeKey, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT scenario_id, model_id FROM probe_failures WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list probe failures: %w", err)
	}
	defer rows.Close()

	var keys []ProbeKey
	for rows.Next() {
		var k ProbeKey
		if err := rows.Scan(&k.ScenarioID, &k.ModelID); err != nil {
			return nil, fmt.Errorf("failed to scan probe failure: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
