// Package recovery finds active runs whose queued work was lost and re-enqueues it.
package recovery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// DefaultInterval is how often the background sweep runs.
const DefaultInterval = 5 * time.Minute

// Recovery actions
const (
	ActionRequeuedProbes         = "requeued_probes"
	ActionNoMissingProbes        = "no_missing_probes"
	ActionJobsInFlight           = "jobs_in_flight"
	ActionTriggeredSummarization = "triggered_summarization"
	ActionSeededSummarization    = "seeded_summarization"
	ActionCompletedSummarization = "completed_summarization"
	ActionSkippedInactive        = "skipped_inactive"
)

// Errors returned by Start and Stop.
var (
	ErrAlreadyRunning = errors.New("recovery scanner already running")
	ErrNotRunning     = errors.New("recovery scanner not running")
)

// Store is the durable state recovery derives missing work from
type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	ListRunsByStatus(ctx context.Context, statuses ...types.RunStatus) ([]types.Run, error)
	ListSelectedScenarioIDs(ctx context.Context, runID uuid.UUID) ([]uuid.UUID, error)
	ListTranscriptRefs(ctx context.Context, runID uuid.UUID) ([]db.TranscriptRef, error)
	ListProbeFailureKeys(ctx context.Context, runID uuid.UUID) ([]db.ProbeKey, error)
}

// Queue reports which jobs of a run are waiting or running
type Queue interface {
	InFlightKeys(ctx context.Context, runID uuid.UUID, jobType string) (map[string]bool, error)
}

// Dispatcher re-enqueues missing jobs
type Dispatcher interface {
	EnqueueProbe(ctx context.Context, runID, scenarioID uuid.UUID, modelID string, priority types.Priority) (bool, error)
	EnqueueSummarize(ctx context.Context, runID, transcriptID uuid.UUID) (bool, error)
}

// Advancer moves runs forward when nothing is missing
type Advancer interface {
	AdvanceToSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	CompleteSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error)
}

// RunResult is the outcome of recovering one run
type RunResult struct {
	RunID         uuid.UUID       `json:"runId"`
	Status        types.RunStatus `json:"status"`
	Action        string          `json:"action"`
	RequeuedCount int             `json:"requeuedCount,omitempty"`
}

// Recovered reports whether the run was found orphaned and acted on
func (r *RunResult) Recovered() bool {
	return r.Action != ActionJobsInFlight && r.Action != ActionSkippedInactive
}

// Summary aggregates one sweep
type Summary struct {
	Detected  int `json:"detected"`
	Recovered int `json:"recovered"`
	Errors    int `json:"errors"`
}

// Config configures the scanner
type Config struct {
	Interval    time.Duration
	Concurrency int
}

// Scanner recovers orphaned runs on demand and on a fixed interval
type Scanner struct {
	config     Config
	store      Store
	queue      Queue
	dispatcher Dispatcher
	advancer   Advancer
	metrics    *metrics.Metrics
	logger     zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScanner creates a recovery scanner
func NewScanner(config Config, store Store, queue Queue, dispatcher Dispatcher, advancer Advancer, m *metrics.Metrics) *Scanner {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	return &Scanner{
		config:     config,
		store:      store,
		queue:      queue,
		dispatcher: dispatcher,
		advancer:   advancer,
		metrics:    m,
		logger:     logging.Component("recovery"),
	}
}

// TriggerRecovery scans every PENDING, RUNNING and SUMMARIZING run. PENDING runs are
// included so a start whose enqueue failed partway is finished by the next sweep.
// A failure on one run is counted and logged; the sweep continues with the others.
func (s *Scanner) TriggerRecovery(ctx context.Context) (*Summary, error) {
	active, err := s.store.ListRunsByStatus(ctx,
		types.RunStatusPending, types.RunStatusRunning, types.RunStatusSummarizing)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	summary := &Summary{}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)
	for _, run := range active {
		runID := run.ID
		g.Go(func() error {
			result, err := s.RecoverOrphanedRun(gctx, runID)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Detected++
				summary.Errors++
				s.logger.Error().Err(err).Str("run_id", runID.String()).Msg("failed to recover run")
				return nil
			}
			if result.Recovered() {
				summary.Detected++
				summary.Recovered++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info().
		Int("scanned", len(active)).
		Int("detected", summary.Detected).
		Int("recovered", summary.Recovered).
		Int("errors", summary.Errors).
		Msg("recovery sweep finished")
	return summary, nil
}

// RecoverOrphanedRun compares a run's expected remaining work, derived from durable
// state, with the jobs in flight for it, and re-enqueues exactly what is missing.
func (s *Scanner) RecoverOrphanedRun(ctx context.Context, runID uuid.UUID) (*RunResult, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.DeletedAt != nil {
		return nil, types.NewNotFoundError("run", runID)
	}

	var result *RunResult
	switch run.Status {
	case types.RunStatusPending, types.RunStatusRunning:
		result, err = s.recoverProbes(ctx, run)
	case types.RunStatusSummarizing:
		result, err = s.recoverSummaries(ctx, run)
	default:
		result = &RunResult{Action: ActionSkippedInactive}
	}
	if err != nil {
		return nil, err
	}

	result.RunID = runID
	if result.Status == "" {
		result.Status = run.Status
	}
	s.metrics.Recovery(result.Action)

	if result.Recovered() {
		s.logger.Info().
			Str("run_id", runID.String()).
			Str("action", result.Action).
			Int("requeued", result.RequeuedCount).
			Msg("run recovered")
	}
	return result, nil
}

// recoverProbes handles runs still probing. Expected work is selections × models minus
// probes that already have a transcript or a recorded permanent failure.
func (s *Scanner) recoverProbes(ctx context.Context, run *types.Run) (*RunResult, error) {
	scenarioIDs, err := s.store.ListSelectedScenarioIDs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	refs, err := s.store.ListTranscriptRefs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	failures, err := s.store.ListProbeFailureKeys(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	done := make(map[db.ProbeKey]bool, len(refs)+len(failures))
	for _, ref := range refs {
		done[db.ProbeKey{ScenarioID: ref.ScenarioID, ModelID: ref.ModelID}] = true
	}
	for _, key := range failures {
		done[key] = true
	}

	var missing []db.ProbeKey
	for _, modelID := range run.Config.Models {
		for _, scenarioID := range scenarioIDs {
			key := db.ProbeKey{ScenarioID: scenarioID, ModelID: modelID}
			if !done[key] {
				missing = append(missing, key)
			}
		}
	}

	if len(missing) == 0 {
		advanced, err := s.advancer.AdvanceToSummarization(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if advanced == nil {
			return nil, types.NewNotFoundError("run", run.ID)
		}
		return &RunResult{Action: ActionNoMissingProbes, Status: advanced.Status}, nil
	}

	inFlight, err := s.queue.InFlightKeys(ctx, run.ID, types.JobTypeProbe)
	if err != nil {
		return nil, err
	}

	requeued := 0
	for _, key := range missing {
		if inFlight[types.ProbeSingletonKey(run.ID, key.ScenarioID, key.ModelID)] {
			continue
		}
		created, err := s.dispatcher.EnqueueProbe(ctx, run.ID, key.ScenarioID, key.ModelID, run.Config.Priority)
		if err != nil {
			return nil, err
		}
		if created {
			requeued++
		}
	}

	if requeued == 0 {
		return &RunResult{Action: ActionJobsInFlight}, nil
	}
	return &RunResult{Action: ActionRequeuedProbes, RequeuedCount: requeued}, nil
}

// recoverSummaries handles runs in SUMMARIZING. Expected work is transcripts that have
// no summary outcome yet.
func (s *Scanner) recoverSummaries(ctx context.Context, run *types.Run) (*RunResult, error) {
	if run.SummarizeProgress == nil {
		seeded, err := s.advancer.AdvanceToSummarization(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if seeded == nil {
			return nil, types.NewNotFoundError("run", run.ID)
		}
		return &RunResult{Action: ActionSeededSummarization, Status: seeded.Status}, nil
	}

	refs, err := s.store.ListTranscriptRefs(ctx, run.ID)
	if err != nil {
		return nil, err
	}
	var missing []uuid.UUID
	for _, ref := range refs {
		if !ref.Summarized {
			missing = append(missing, ref.ID)
		}
	}

	if len(missing) == 0 {
		completed, err := s.advancer.CompleteSummarization(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		if completed == nil {
			return nil, types.NewNotFoundError("run", run.ID)
		}
		return &RunResult{Action: ActionCompletedSummarization, Status: completed.Status}, nil
	}

	inFlight, err := s.queue.InFlightKeys(ctx, run.ID, types.JobTypeSummarize)
	if err != nil {
		return nil, err
	}

	requeued := 0
	for _, id := range missing {
		if inFlight[types.SummarizeSingletonKey(id)] {
			continue
		}
		created, err := s.dispatcher.EnqueueSummarize(ctx, run.ID, id)
		if err != nil {
			return nil, err
		}
		if created {
			requeued++
		}
	}

	if requeued == 0 {
		return &RunResult{Action: ActionJobsInFlight}, nil
	}
	return &RunResult{Action: ActionTriggeredSummarization, RequeuedCount: requeued}, nil
}

// Start runs TriggerRecovery every interval until Stop is called or ctx is cancelled.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.logger.Info().Dur("interval", s.config.Interval).Msg("recovery scanner starting")

	s.wg.Add(1)
	go s.runLoop(loopCtx)
	return nil
}

// Stop halts the sweep and waits for an in-progress scan to finish.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.cancel()
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("recovery scanner stopped")
	return nil
}

func (s *Scanner) runLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.TriggerRecovery(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("recovery sweep failed")
			}
		}
	}
}
