package types

import "time"

// ApplyProgress adds probe outcomes to the run and evaluates the lifecycle rules that
// depend on them. Callers must hold the run exclusively (row lock or equivalent) so the
// counter update and the transition happen as one unit.
//
// Counters never exceed total. PAUSED and terminal runs keep counting without changing
// status. A PENDING run moves to RUNNING on its first outcome, and a running run whose
// outcomes reach total moves to SUMMARIZING.
func (r *Run) ApplyProgress(completed, failed int, now time.Time) {
	completed, failed = clampDelta(r.Progress, completed, failed)
	r.Progress.Completed += completed
	r.Progress.Failed += failed
	r.UpdatedAt = now

	if r.Status.IsTerminal() || r.Status == RunStatusPaused {
		return
	}

	if r.Status == RunStatusPending && completed+failed > 0 {
		r.Status = RunStatusRunning
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	}

	if r.Status == RunStatusRunning && r.Progress.IsComplete() {
		r.Status = RunStatusSummarizing
	}
}

// ApplySummarizeProgress adds summarize outcomes. A SUMMARIZING run whose summaries are
// all accounted for moves to COMPLETED.
func (r *Run) ApplySummarizeProgress(completed, failed int, now time.Time) {
	if r.SummarizeProgress == nil {
		return
	}
	completed, failed = clampDelta(*r.SummarizeProgress, completed, failed)
	r.SummarizeProgress.Completed += completed
	r.SummarizeProgress.Failed += failed
	r.UpdatedAt = now

	if r.Status == RunStatusSummarizing && r.SummarizeProgress.IsComplete() {
		r.Status = RunStatusCompleted
		r.CompletedAt = &now
	}
}

func clampDelta(p Progress, completed, failed int) (int, int) {
	remaining := max(p.Total-p.Done(), 0)
	completed = min(max(completed, 0), remaining)
	failed = min(max(failed, 0), remaining-completed)
	return completed, failed
}
