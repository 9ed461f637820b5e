package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/dispatch"
	"github.com/jonathan/probe-orchestrator/internal/providers"
	"github.com/jonathan/probe-orchestrator/internal/testutil"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

type fixture struct {
	tracker *Tracker
	store   *testutil.Store
	queue   *testutil.Queue
}

func setup(t *testing.T) *fixture {
	t.Helper()
	store := testutil.NewStore()
	q := testutil.NewQueue()
	d := dispatch.New(q, providers.NewRegistry(store, q, nil), store, nil)
	return &fixture{tracker: NewTracker(store, d, q, nil), store: store, queue: q}
}

func (f *fixture) putRun(status types.RunStatus, total int) *types.Run {
	run := &types.Run{
		ID:       uuid.New(),
		Status:   status,
		Progress: types.Progress{Total: total},
		Config:   types.RunConfig{Models: []string{"m1"}},
	}
	f.store.PutRun(run, nil)
	return run
}

func (f *fixture) run(t *testing.T, id uuid.UUID) *types.Run {
	t.Helper()
	run, err := f.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, run)
	return run
}

func TestConcurrentIncrementsAreLossless(t *testing.T) {
	f := setup(t)
	run := f.putRun(types.RunStatusPending, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.IncrementCompleted(ctx, run.ID)
			assert.NoError(t, err)
		}()
	}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.IncrementFailed(ctx, run.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := f.run(t, run.ID)
	assert.Equal(t, 5, got.Progress.Completed)
	assert.Equal(t, 3, got.Progress.Failed)
	assert.Equal(t, types.RunStatusRunning, got.Status)
}

func TestFirstIncrementStartsRun(t *testing.T) {
	f := setup(t)
	run := f.putRun(types.RunStatusPending, 10)

	result, err := f.tracker.IncrementCompleted(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, result.Status)
	assert.Equal(t, types.Progress{Total: 10, Completed: 1}, result.Progress)

	got := f.run(t, run.ID)
	require.NotNil(t, got.StartedAt)
	assert.WithinDuration(t, time.Now(), *got.StartedAt, 5*time.Second)
}

func TestReachingTotalStartsSummarization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusRunning, 3)
	t1 := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	t2 := f.store.AddTranscript(run.ID, uuid.New(), "m1")

	_, err := f.tracker.UpdateProgress(ctx, run.ID, Delta{Completed: 2})
	require.NoError(t, err)
	assert.Empty(t, f.queue.JobsOfType(types.JobTypeSummarize))

	result, err := f.tracker.IncrementFailed(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSummarizing, result.Status)

	got := f.run(t, run.ID)
	require.NotNil(t, got.SummarizeProgress)
	assert.Equal(t, types.Progress{Total: 2}, *got.SummarizeProgress)

	jobs := f.queue.JobsOfType(types.JobTypeSummarize)
	require.Len(t, jobs, 2)
	keys := []string{jobs[0].SingletonKey, jobs[1].SingletonKey}
	assert.ElementsMatch(t, []string{types.SummarizeSingletonKey(t1), types.SummarizeSingletonKey(t2)}, keys)
	assert.Equal(t, types.SummarizeRetryPolicy.ExpireInSeconds, int(jobs[0].ExpireIn.Seconds()))
}

func TestConcurrentCompletionEnqueuesSummarizationOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusRunning, 20)
	for i := 0; i < 20; i++ {
		f.store.AddTranscript(run.ID, uuid.New(), "m1")
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.tracker.IncrementCompleted(ctx, run.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, f.queue.JobsOfType(types.JobTypeSummarize), 20)
	assert.Equal(t, 1, f.store.CallCount("SeedSummarization"))
}

func TestZeroTranscriptsCompletesRun(t *testing.T) {
	f := setup(t)
	run := f.putRun(types.RunStatusRunning, 2)

	result, err := f.tracker.UpdateProgress(context.Background(), run.ID, Delta{Failed: 2})
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, result.Status)

	got := f.run(t, run.ID)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, f.queue.Jobs())
}

func TestIncrementsOnTerminalOrPausedRunsKeepStatus(t *testing.T) {
	for _, status := range []types.RunStatus{types.RunStatusCompleted, types.RunStatusCancelled, types.RunStatusPaused} {
		t.Run(string(status), func(t *testing.T) {
			f := setup(t)
			run := f.putRun(status, 2)

			result, err := f.tracker.UpdateProgress(context.Background(), run.ID, Delta{Completed: 2})
			require.NoError(t, err)
			assert.Equal(t, status, result.Status)
			assert.Equal(t, 2, result.Progress.Completed)
			assert.Empty(t, f.queue.Jobs())
		})
	}
}

func TestUpdateProgress_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.tracker.IncrementCompleted(context.Background(), uuid.New())
	assert.True(t, types.IsNotFound(err))

	_, err = f.tracker.UpdateProgress(context.Background(), uuid.New(), Delta{Completed: -1})
	assert.True(t, types.IsValidation(err))

	run := f.putRun(types.RunStatusRunning, 2)
	f.store.SetError("ApplyProgressDelta", errors.New("db down"))
	_, err = f.tracker.IncrementCompleted(context.Background(), run.ID)
	assert.EqualError(t, err, "db down")
}

func TestIncrementSummarizeCompletesRun(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusRunning, 2)
	f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.AddTranscript(run.ID, uuid.New(), "m1")
	_, err := f.tracker.UpdateProgress(ctx, run.ID, Delta{Completed: 2})
	require.NoError(t, err)

	update, err := f.tracker.IncrementSummarize(ctx, run.ID, 1, 0)
	require.NoError(t, err)
	assert.False(t, update.Completed())

	update, err = f.tracker.IncrementSummarize(ctx, run.ID, 0, 1)
	require.NoError(t, err)
	assert.True(t, update.Completed())
	assert.Equal(t, types.RunStatusCompleted, f.run(t, run.ID).Status)
}

func TestGetProgress(t *testing.T) {
	f := setup(t)
	run := f.putRun(types.RunStatusRunning, 3)
	_, err := f.tracker.UpdateProgress(context.Background(), run.ID, Delta{Completed: 1})
	require.NoError(t, err)

	snap, err := f.tracker.GetProgress(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, 33, snap.PercentComplete)
	assert.Equal(t, types.RunStatusRunning, snap.Status)

	_, err = f.tracker.GetProgress(context.Background(), uuid.New())
	assert.True(t, types.IsNotFound(err))
}

func TestAdvanceToSummarization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusRunning, 1)
	f.store.AddTranscript(run.ID, uuid.New(), "m1")

	advanced, err := f.tracker.AdvanceToSummarization(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSummarizing, advanced.Status)
	assert.Len(t, f.queue.JobsOfType(types.JobTypeSummarize), 1)

	// already seeded: no further jobs
	again, err := f.tracker.AdvanceToSummarization(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSummarizing, again.Status)
	assert.Len(t, f.queue.JobsOfType(types.JobTypeSummarize), 1)

	done := f.putRun(types.RunStatusCompleted, 1)
	_, err = f.tracker.AdvanceToSummarization(ctx, done.ID)
	assert.True(t, types.IsValidation(err))
}

func TestCancelSummarization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusRunning, 2)
	done := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.AddTranscript(run.ID, uuid.New(), "m1")
	_, err := f.tracker.UpdateProgress(ctx, run.ID, Delta{Completed: 2})
	require.NoError(t, err)
	_, err = f.store.SaveSummary(ctx, done, "1", "kept")
	require.NoError(t, err)

	cancelled, err := f.tracker.CancelSummarization(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, cancelled.Status)
	assert.NotNil(t, cancelled.CompletedAt)

	assert.Empty(t, f.queue.Jobs("created", "retry"))
	transcript, err := f.store.GetTranscript(ctx, done)
	require.NoError(t, err)
	require.NotNil(t, transcript.DecisionText)
	assert.Equal(t, "kept", *transcript.DecisionText)

	_, err = f.tracker.CancelSummarization(ctx, run.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestRestartSummarization(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusCompleted, 3)
	ok := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	errored := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	missing := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.MarkSummarized(ok, false)
	f.store.MarkSummarized(errored, true)

	result, err := f.tracker.RestartSummarization(ctx, run.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Enqueued)
	assert.Equal(t, types.RunStatusSummarizing, result.Run.Status)
	assert.Equal(t, types.Progress{Total: 2}, *result.Run.SummarizeProgress)

	keys := map[string]bool{}
	for _, j := range f.queue.JobsOfType(types.JobTypeSummarize) {
		keys[j.SingletonKey] = true
	}
	assert.True(t, keys[types.SummarizeSingletonKey(errored)])
	assert.True(t, keys[types.SummarizeSingletonKey(missing)])
	assert.False(t, keys[types.SummarizeSingletonKey(ok)])

	_, err = f.tracker.RestartSummarization(ctx, run.ID, true)
	assert.True(t, types.IsValidation(err), "not terminal anymore")
}

func TestRestartSummarization_Force(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusFailed, 2)
	a := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	b := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.MarkSummarized(a, false)
	f.store.MarkSummarized(b, false)

	result, err := f.tracker.RestartSummarization(ctx, run.ID, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Enqueued)

	refs, err := f.store.ListTranscriptRefs(ctx, run.ID)
	require.NoError(t, err)
	for _, ref := range refs {
		assert.True(t, ref.NeedsSummary())
	}
}

func TestRestartSummarization_NothingToDo(t *testing.T) {
	f := setup(t)
	run := f.putRun(types.RunStatusCompleted, 1)
	id := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.MarkSummarized(id, false)

	result, err := f.tracker.RestartSummarization(context.Background(), run.ID, false)
	require.NoError(t, err)
	assert.Zero(t, result.Enqueued)
	assert.Equal(t, types.RunStatusCompleted, result.Run.Status)
}

// reopeningStore moves the run out of its terminal state right after the transcripts
// are listed, as a concurrent resume would
type reopeningStore struct {
	*testutil.Store
}

func (s reopeningStore) ListTranscriptRefs(ctx context.Context, runID uuid.UUID) ([]db.TranscriptRef, error) {
	refs, err := s.Store.ListTranscriptRefs(ctx, runID)
	if err != nil {
		return nil, err
	}
	s.Store.SetRunStatus(runID, types.RunStatusRunning)
	return refs, nil
}

func TestRestartSummarization_RejectedRestartKeepsSummaries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	run := f.putRun(types.RunStatusCompleted, 1)
	id := f.store.AddTranscript(run.ID, uuid.New(), "m1")
	f.store.MarkSummarized(id, false)

	tracker := NewTracker(reopeningStore{f.store}, nil, f.queue, nil)
	_, err := tracker.RestartSummarization(ctx, run.ID, true)
	require.Error(t, err)
	assert.True(t, types.IsValidation(err))

	refs, err := f.store.ListTranscriptRefs(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.False(t, refs[0].NeedsSummary(), "summary kept when the restart does not apply")
	assert.Empty(t, f.queue.JobsOfType(types.JobTypeSummarize))
}
