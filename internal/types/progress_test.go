//nolint:revive // types is a standard Go package name pattern
package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(status RunStatus, total int) *Run {
	return &Run{Status: status, Progress: Progress{Total: total}}
}

func TestApplyProgress_FirstIncrementStartsRun(t *testing.T) {
	now := time.Now()
	run := newRun(RunStatusPending, 10)

	run.ApplyProgress(1, 0, now)

	assert.Equal(t, RunStatusRunning, run.Status)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, now, *run.StartedAt)
	assert.Equal(t, 1, run.Progress.Completed)
}

func TestApplyProgress_FailureAlsoStartsRun(t *testing.T) {
	run := newRun(RunStatusPending, 10)
	run.ApplyProgress(0, 1, time.Now())

	assert.Equal(t, RunStatusRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
}

func TestApplyProgress_ReachingTotalEntersSummarizing(t *testing.T) {
	run := newRun(RunStatusRunning, 3)
	run.ApplyProgress(2, 0, time.Now())
	assert.Equal(t, RunStatusRunning, run.Status)

	run.ApplyProgress(0, 1, time.Now())
	assert.Equal(t, RunStatusSummarizing, run.Status)
}

func TestApplyProgress_PendingStraightToSummarizing(t *testing.T) {
	run := newRun(RunStatusPending, 1)
	run.ApplyProgress(1, 0, time.Now())

	assert.Equal(t, RunStatusSummarizing, run.Status)
	assert.NotNil(t, run.StartedAt)
}

func TestApplyProgress_PausedAndTerminalKeepStatus(t *testing.T) {
	for _, status := range []RunStatus{RunStatusPaused, RunStatusCompleted, RunStatusCancelled, RunStatusFailed} {
		run := newRun(status, 2)
		run.ApplyProgress(2, 0, time.Now())

		assert.Equal(t, status, run.Status)
		assert.Equal(t, 2, run.Progress.Completed)
		assert.Nil(t, run.StartedAt)
	}
}

func TestApplyProgress_NeverExceedsTotal(t *testing.T) {
	run := newRun(RunStatusRunning, 5)
	run.ApplyProgress(4, 0, time.Now())
	run.ApplyProgress(3, 3, time.Now())

	assert.Equal(t, 5, run.Progress.Completed)
	assert.Equal(t, 0, run.Progress.Failed)
	assert.LessOrEqual(t, run.Progress.Done(), run.Progress.Total)
}

func TestApplySummarizeProgress_CompletesRun(t *testing.T) {
	now := time.Now()
	run := newRun(RunStatusSummarizing, 2)
	run.SummarizeProgress = &Progress{Total: 2}

	run.ApplySummarizeProgress(1, 0, now)
	assert.Equal(t, RunStatusSummarizing, run.Status)
	assert.Nil(t, run.CompletedAt)

	run.ApplySummarizeProgress(0, 1, now)
	assert.Equal(t, RunStatusCompleted, run.Status)
	require.NotNil(t, run.CompletedAt)
}

func TestApplySummarizeProgress_NotSeeded(t *testing.T) {
	run := newRun(RunStatusSummarizing, 2)
	run.ApplySummarizeProgress(1, 0, time.Now())

	assert.Nil(t, run.SummarizeProgress)
	assert.Equal(t, RunStatusSummarizing, run.Status)
}
