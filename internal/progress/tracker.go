// Package progress applies job outcomes to runs and drives the summarization phase.
package progress

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Store is the persistence the tracker needs. The delta methods must be atomic per run.
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	ApplyProgressDelta(ctx context.Context, runID uuid.UUID, completed, failed int) (*db.ProgressUpdate, error)
	ApplySummarizeDelta(ctx context.Context, runID uuid.UUID, completed, failed int) (*db.SummarizeUpdate, error)
	SeedSummarization(ctx context.Context, runID uuid.UUID, total int) (*types.Run, bool, error)
	RestartSummarization(ctx context.Context, runID uuid.UUID, transcriptIDs []uuid.UUID) (*types.Run, error)
	TransitionRunStatus(ctx context.Context, runID uuid.UUID, from []types.RunStatus, to types.RunStatus) (*types.Run, error)
	ListTranscriptRefs(ctx context.Context, runID uuid.UUID) ([]db.TranscriptRef, error)
}

// Enqueuer submits summarize jobs
type Enqueuer interface {
	EnqueueSummarize(ctx context.Context, runID, transcriptID uuid.UUID) (bool, error)
}

// JobCanceller removes not-yet-started jobs of a run
type JobCanceller interface {
	CancelForRun(ctx context.Context, jobType string, runID uuid.UUID) (int, error)
}

// Delta is a batch of probe outcomes
type Delta struct {
	Completed int `json:"incrementCompleted,omitempty"`
	Failed    int `json:"incrementFailed,omitempty"`
}

// Result is the state of a run after an update
type Result struct {
	Status   types.RunStatus `json:"status"`
	Progress types.Progress  `json:"progress"`
}

// Snapshot is a read of a run's progress
type Snapshot struct {
	Status            types.RunStatus `json:"status"`
	Progress          types.Progress  `json:"progress"`
	SummarizeProgress *types.Progress `json:"summarizeProgress,omitempty"`
	PercentComplete   int             `json:"percentComplete"`
}

// RestartResult reports a summarization restart
type RestartResult struct {
	Run      *types.Run `json:"run"`
	Enqueued int        `json:"enqueued"`
}

// Tracker applies job outcomes to runs
type Tracker struct {
	store    Store
	enqueuer Enqueuer
	jobs     JobCanceller
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewTracker creates a progress tracker
func NewTracker(store Store, enqueuer Enqueuer, jobs JobCanceller, m *metrics.Metrics) *Tracker {
	return &Tracker{
		store:    store,
		enqueuer: enqueuer,
		jobs:     jobs,
		metrics:  m,
		logger:   logging.Component("progress"),
	}
}

// IncrementCompleted records one successful probe
func (t *Tracker) IncrementCompleted(ctx context.Context, runID uuid.UUID) (*Result, error) {
	return t.UpdateProgress(ctx, runID, Delta{Completed: 1})
}

// IncrementFailed records one permanently failed probe
func (t *Tracker) IncrementFailed(ctx context.Context, runID uuid.UUID) (*Result, error) {
	return t.UpdateProgress(ctx, runID, Delta{Failed: 1})
}

// UpdateProgress applies a batch of outcomes atomically. The one update that takes the
// run into SUMMARIZING also seeds and enqueues its summarization.
func (t *Tracker) UpdateProgress(ctx context.Context, runID uuid.UUID, delta Delta) (*Result, error) {
	if delta.Completed < 0 || delta.Failed < 0 {
		return nil, types.NewValidationError("delta", "increments must not be negative")
	}

	update, err := t.store.ApplyProgressDelta(ctx, runID, delta.Completed, delta.Failed)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	t.metrics.Progress(delta.Completed, delta.Failed)

	run := update.Run
	if run.Status != update.PreviousStatus {
		t.metrics.Transition(string(run.Status))
		t.logger.Info().
			Str("run_id", runID.String()).
			Str("from", string(update.PreviousStatus)).
			Str("to", string(run.Status)).
			Msg("run status changed")
	}

	if update.EnteredSummarizing() {
		if run, err = t.startSummarization(ctx, run); err != nil {
			return nil, err
		}
	}
	return &Result{Status: run.Status, Progress: run.Progress}, nil
}

// startSummarization seeds summarizeProgress and enqueues one job per transcript.
// Seeding happens at most once per run, so concurrent callers cannot double-enqueue.
func (t *Tracker) startSummarization(ctx context.Context, run *types.Run) (*types.Run, error) {
	refs, err := t.store.ListTranscriptRefs(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	seeded, ok, err := t.store.SeedSummarization(ctx, run.ID, len(refs))
	if err != nil {
		return nil, err
	}
	if !ok {
		return run, nil
	}

	logger := t.logger.With().Str("run_id", run.ID.String()).Logger()
	if seeded.Status == types.RunStatusCompleted {
		t.metrics.Transition(string(types.RunStatusCompleted))
		logger.Info().Msg("no transcripts to summarize, run completed")
		return seeded, nil
	}

	enqueued := 0
	for _, ref := range refs {
		if _, err := t.enqueuer.EnqueueSummarize(ctx, run.ID, ref.ID); err != nil {
			// recovery re-enqueues whatever is missing
			logger.Error().Err(err).Str("transcript_id", ref.ID.String()).Msg("failed to enqueue summarize job")
			continue
		}
		enqueued++
	}
	logger.Info().Int("transcripts", len(refs)).Int("enqueued", enqueued).Msg("summarization started")
	return seeded, nil
}

// IncrementSummarize records summarize outcomes; the last one completes the run.
func (t *Tracker) IncrementSummarize(ctx context.Context, runID uuid.UUID, completed, failed int) (*db.SummarizeUpdate, error) {
	update, err := t.store.ApplySummarizeDelta(ctx, runID, completed, failed)
	if err != nil {
		return nil, err
	}
	if update == nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	if update.Completed() {
		t.metrics.Transition(string(types.RunStatusCompleted))
		t.logger.Info().Str("run_id", runID.String()).Msg("summarization finished, run completed")
	}
	return update, nil
}

// GetProgress reads a run's progress
func (t *Tracker) GetProgress(ctx context.Context, runID uuid.UUID) (*Snapshot, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.DeletedAt != nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	return &Snapshot{
		Status:            run.Status,
		Progress:          run.Progress,
		SummarizeProgress: run.SummarizeProgress,
		PercentComplete:   types.CalculatePercentComplete(run.Progress),
	}, nil
}

// AdvanceToSummarization moves a run whose probes are all accounted for into
// SUMMARIZING and starts summarization. A SUMMARIZING run that was never seeded is
// seeded now.
func (t *Tracker) AdvanceToSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, types.NewNotFoundError("run", runID)
	}

	switch run.Status {
	case types.RunStatusPending, types.RunStatusRunning:
		advanced, err := t.store.TransitionRunStatus(ctx, runID,
			[]types.RunStatus{types.RunStatusPending, types.RunStatusRunning}, types.RunStatusSummarizing)
		if err != nil {
			return nil, err
		}
		if advanced == nil {
			// raced with another transition; report what is there now
			return t.store.GetRun(ctx, runID)
		}
		t.metrics.Transition(string(types.RunStatusSummarizing))
		t.logger.Info().Str("run_id", runID.String()).Msg("run advanced to summarization")
		return t.startSummarization(ctx, advanced)
	case types.RunStatusSummarizing:
		if run.SummarizeProgress == nil {
			return t.startSummarization(ctx, run)
		}
		return run, nil
	default:
		return nil, types.InvalidTransition("summarize", run.Status)
	}
}

// CompleteSummarization finishes a SUMMARIZING run that has nothing left to summarize.
func (t *Tracker) CompleteSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := t.store.TransitionRunStatus(ctx, runID,
		[]types.RunStatus{types.RunStatusSummarizing}, types.RunStatusCompleted)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, t.transitionError(ctx, runID, "complete")
	}
	t.metrics.Transition(string(types.RunStatusCompleted))
	return run, nil
}

// CancelSummarization drops pending summarize jobs and completes the run, keeping the
// summaries produced so far.
func (t *Tracker) CancelSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.DeletedAt != nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	if run.Status != types.RunStatusSummarizing {
		return nil, types.InvalidTransition("cancel summarization of", run.Status)
	}

	cancelled, err := t.jobs.CancelForRun(ctx, types.JobTypeSummarize, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel summarize jobs: %w", err)
	}

	completed, err := t.CompleteSummarization(ctx, runID)
	if err != nil {
		return nil, err
	}
	t.logger.Info().Str("run_id", runID.String()).Int("cancelled_jobs", cancelled).Msg("summarization cancelled")
	return completed, nil
}

// RestartSummarization summarizes a finished run again. Without force only transcripts
// lacking a summary, or whose summary failed, are redone; with force every transcript is.
func (t *Tracker) RestartSummarization(ctx context.Context, runID uuid.UUID, force bool) (*RestartResult, error) {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.DeletedAt != nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	if !run.Status.IsTerminal() {
		return nil, types.InvalidTransition("restart summarization of", run.Status)
	}

	refs, err := t.store.ListTranscriptRefs(ctx, runID)
	if err != nil {
		return nil, err
	}
	var targets []uuid.UUID
	for _, ref := range refs {
		if force || ref.NeedsSummary() {
			targets = append(targets, ref.ID)
		}
	}

	restarted, err := t.store.RestartSummarization(ctx, runID, targets)
	if err != nil {
		return nil, err
	}
	if restarted == nil {
		return nil, t.transitionError(ctx, runID, "restart summarization of")
	}

	enqueued := 0
	for _, id := range targets {
		created, err := t.enqueuer.EnqueueSummarize(ctx, runID, id)
		if err != nil {
			return nil, err
		}
		if created {
			enqueued++
		}
	}
	if len(targets) > 0 {
		t.metrics.Transition(string(types.RunStatusSummarizing))
	}

	t.logger.Info().
		Str("run_id", runID.String()).
		Bool("force", force).
		Int("enqueued", enqueued).
		Msg("summarization restarted")
	return &RestartResult{Run: restarted, Enqueued: enqueued}, nil
}

// transitionError explains why a conditional transition did not apply
func (t *Tracker) transitionError(ctx context.Context, runID uuid.UUID, op string) error {
	run, err := t.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run == nil || run.DeletedAt != nil {
		return types.NewNotFoundError("run", runID)
	}
	return types.InvalidTransition(op, run.Status)
}
