package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

const runColumns = `id, definition_id, experiment_id, name, status, config,
	progress_total, progress_completed, progress_failed,
	summarize_total, summarize_completed, summarize_failed,
	created_by_user_id, created_at, updated_at, started_at, completed_at,
	deleted_at, deleted_by_user_id`

// scanRun reads a row selected with runColumns
func scanRun(row pgx.Row) (*types.Run, error) {
	var run types.Run
	var status string
	var configJSON []byte
	var summarizeTotal *int
	var summarizeCompleted, summarizeFailed int

	err := row.Scan(&run.ID, &run.DefinitionID, &run.ExperimentID, &run.Name, &status, &configJSON,
		&run.Progress.Total, &run.Progress.Completed, &run.Progress.Failed,
		&summarizeTotal, &summarizeCompleted, &summarizeFailed,
		&run.CreatedByUserID, &run.CreatedAt, &run.UpdatedAt, &run.StartedAt, &run.CompletedAt,
		&run.DeletedAt, &run.DeletedByUserID)
	if err != nil {
		return nil, err
	}

	run.Status = types.RunStatus(status)
	if len(configJSON) > 0 {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run config: %w", err)
		}
	}
	if summarizeTotal != nil {
		run.SummarizeProgress = &types.Progress{
			Total:     *summarizeTotal,
			Completed: summarizeCompleted,
			Failed:    summarizeFailed,
		}
	}
	return &run, nil
}

// CreateRun inserts the run and its scenario selections in one transaction.
// The run's ID, CreatedAt and UpdatedAt are filled from the database.
func (db *DB) CreateRun(ctx context.Context, run *types.Run, scenarioIDs []uuid.UUID) error {
	configJSON, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal run config: %w", err)
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	return db.withTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO runs (id, definition_id, experiment_id, name, status, config,
			                   progress_total, created_by_user_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 RETURNING created_at, updated_at`,
			run.ID, run.DefinitionID, run.ExperimentID, run.Name, string(run.Status), configJSON,
			run.Progress.Total, run.CreatedByUserID,
		).Scan(&run.CreatedAt, &run.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create run: %w", err)
		}

		rows := make([][]any, 0, len(scenarioIDs))
		for _, scenarioID := range scenarioIDs {
			rows = append(rows, []any{run.ID, scenarioID})
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"run_scenario_selections"},
			[]string{"run_id", "scenario_id"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return fmt.Errorf("failed to save scenario selections: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a run by ID, including soft-deleted runs
func (db *DB) GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRunsByStatus retrieves non-deleted runs in any of the given statuses
func (db *DB) ListRunsByStatus(ctx context.Context, statuses ...types.RunStatus) ([]types.Run, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE status = ANY($1) AND deleted_at IS NULL
		 ORDER BY created_at`,
		names,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []types.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListSelectedScenarioIDs returns the scenarios sampled into a run
func (db *DB) ListSelectedScenarioIDs(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT scenario_id FROM run_scenario_selections WHERE run_id = $1 ORDER BY scenario_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list scenario selections: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan scenario selection: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// TransitionRunStatus moves a run to status `to` if its current status is one of `from`.
// Returns nil when the run does not exist or was not in an allowed status.
func (db *DB) TransitionRunStatus(ctx context.Context, runID uuid.UUID, from []types.RunStatus, to types.RunStatus) (*types.Run, error) {
	names := make([]string, len(from))
	for i, s := range from {
		names[i] = string(s)
	}

	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = $3,
		     completed_at = CASE WHEN $4 THEN NOW() ELSE completed_at END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = ANY($2) AND deleted_at IS NULL
		 RETURNING `+runColumns,
		runID, names, string(to), to.IsTerminal(),
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to transition run: %w", err)
	}
	return run, nil
}

// ResumeRun moves a PAUSED run back to RUNNING, or to PENDING if no job has finished yet.
func (db *DB) ResumeRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs
		 SET status = CASE WHEN started_at IS NULL THEN 'PENDING' ELSE 'RUNNING' END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'PAUSED' AND deleted_at IS NULL
		 RETURNING `+runColumns,
		runID,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resume run: %w", err)
	}
	return run, nil
}

// UpdateRunName sets the user-supplied name of a run
func (db *DB) UpdateRunName(ctx context.Context, runID uuid.UUID, name *string) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs SET name = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL
		 RETURNING `+runColumns,
		runID, name,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update run name: %w", err)
	}
	return run, nil
}

// SoftDeleteRun marks a run deleted without touching status or progress.
// Returns false if the run does not exist or is already deleted.
func (db *DB) SoftDeleteRun(ctx context.Context, runID uuid.UUID, userID *uuid.UUID) (bool, error) {
	result, err := db.pool.Exec(ctx,
		`UPDATE runs SET deleted_at = NOW(), deleted_by_user_id = $2, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		runID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ApplyProgressDelta atomically adds probe outcomes to a run and applies the lifecycle
// transitions that depend on them. The run row stays locked from read to write, so
// concurrent callers serialize and exactly one of them observes the move to SUMMARIZING.
func (db *DB) ApplyProgressDelta(ctx context.Context, runID uuid.UUID, completed, failed int) (*ProgressUpdate, error) {
	var update *ProgressUpdate
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("failed to lock run: %w", err)
		}

		previous := run.Status
		run.ApplyProgress(completed, failed, time.Now().UTC())

		_, err = tx.Exec(ctx,
			`UPDATE runs
			 SET status = $2, progress_completed = $3, progress_failed = $4,
			     started_at = $5, updated_at = NOW()
			 WHERE id = $1`,
			runID, string(run.Status), run.Progress.Completed, run.Progress.Failed, run.StartedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}

		update = &ProgressUpdate{PreviousStatus: previous, Run: run}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

// ApplySummarizeDelta atomically adds summarize outcomes, completing the run when the
// last summary lands.
func (db *DB) ApplySummarizeDelta(ctx context.Context, runID uuid.UUID, completed, failed int) (*SummarizeUpdate, error) {
	var update *SummarizeUpdate
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		run, err := scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("failed to lock run: %w", err)
		}

		previous := run.Status
		run.ApplySummarizeProgress(completed, failed, time.Now().UTC())
		if run.SummarizeProgress == nil {
			update = &SummarizeUpdate{PreviousStatus: previous, Run: run}
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE runs
			 SET status = $2, summarize_completed = $3, summarize_failed = $4,
			     completed_at = $5, updated_at = NOW()
			 WHERE id = $1`,
			runID, string(run.Status), run.SummarizeProgress.Completed, run.SummarizeProgress.Failed,
			run.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update summarize progress: %w", err)
		}

		update = &SummarizeUpdate{PreviousStatus: previous, Run: run}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return update, nil
}

// SeedSummarization initializes summarizeProgress for a SUMMARIZING run that has not been
// seeded yet. A run with nothing to summarize is completed on the spot.
// Returns false when the run was already seeded or is no longer summarizing.
func (db *DB) SeedSummarization(ctx context.Context, runID uuid.UUID, total int) (*types.Run, bool, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`UPDATE runs
		 SET summarize_total = $2, summarize_completed = 0, summarize_failed = 0,
		     status = CASE WHEN $2 = 0 THEN 'COMPLETED' ELSE status END,
		     completed_at = CASE WHEN $2 = 0 THEN NOW() ELSE completed_at END,
		     updated_at = NOW()
		 WHERE id = $1 AND status = 'SUMMARIZING' AND summarize_total IS NULL
		 RETURNING `+runColumns,
		runID, total,
	))
	if err != nil {
		if isNoRows(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to seed summarization: %w", err)
	}
	return run, true, nil
}

// RestartSummarization puts a terminal run back into SUMMARIZING with fresh summarize
// counters and clears the summary state of transcriptIDs, in one transaction. Returns nil,
// leaving every transcript untouched, if the run is not in a terminal state.
func (db *DB) RestartSummarization(ctx context.Context, runID uuid.UUID, transcriptIDs []uuid.UUID) (*types.Run, error) {
	var run *types.Run
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		restarted, err := scanRun(tx.QueryRow(ctx,
			`UPDATE runs
			 SET status = CASE WHEN $2 = 0 THEN status ELSE 'SUMMARIZING' END,
			     summarize_total = $2, summarize_completed = 0, summarize_failed = 0,
			     completed_at = CASE WHEN $2 = 0 THEN completed_at ELSE NULL END,
			     updated_at = NOW()
			 WHERE id = $1 AND status IN ('COMPLETED', 'FAILED', 'CANCELLED') AND deleted_at IS NULL
			 RETURNING `+runColumns,
			runID, len(transcriptIDs),
		))
		if err != nil {
			if isNoRows(err) {
				return nil
			}
			return fmt.Errorf("failed to restart summarization: %w", err)
		}

		if len(transcriptIDs) > 0 {
			_, err = tx.Exec(ctx,
				`UPDATE transcripts SET summarized_at = NULL, summary_error = NULL
				 WHERE run_id = $1 AND id = ANY($2)`,
				runID, transcriptIDs,
			)
			if err != nil {
				return fmt.Errorf("failed to reset summaries: %w", err)
			}
		}
		run = restarted
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}
