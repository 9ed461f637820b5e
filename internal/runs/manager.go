// Package runs owns the run lifecycle: creation, pause, resume, cancel and delete.
package runs

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/cost"
	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/sampling"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Store is the persistence the manager needs
type Store interface {
	GetDefinition(ctx context.Context, id uuid.UUID) (*db.Definition, error)
	ListActiveScenarioIDs(ctx context.Context, definitionID uuid.UUID) ([]uuid.UUID, error)
	GetExperiment(ctx context.Context, id uuid.UUID) (*db.Experiment, error)
	ListExistingModelIDs(ctx context.Context, modelIDs []string) (map[string]bool, error)
	GetModelPricing(ctx context.Context, modelIDs []string) (map[string]db.ModelPricing, error)
	CreateRun(ctx context.Context, run *types.Run, scenarioIDs []uuid.UUID) error
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	TransitionRunStatus(ctx context.Context, runID uuid.UUID, from []types.RunStatus, to types.RunStatus) (*types.Run, error)
	ResumeRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	UpdateRunName(ctx context.Context, runID uuid.UUID, name *string) (*types.Run, error)
	SoftDeleteRun(ctx context.Context, runID uuid.UUID, userID *uuid.UUID) (bool, error)
}

// Dispatcher enqueues probe jobs
type Dispatcher interface {
	EnqueueProbe(ctx context.Context, runID, scenarioID uuid.UUID, modelID string, priority types.Priority) (bool, error)
}

// JobCanceller removes not-yet-started jobs of a run
type JobCanceller interface {
	CancelForRun(ctx context.Context, jobType string, runID uuid.UUID) (int, error)
}

// Advancer moves a fully probed run into summarization
type Advancer interface {
	AdvanceToSummarization(ctx context.Context, runID uuid.UUID) (*types.Run, error)
}

// StartRunInput is the request to start a run
type StartRunInput struct {
	DefinitionID     uuid.UUID      `json:"definitionId" validate:"required"`
	Models           []string       `json:"models" validate:"required,min=1,dive,required"`
	SamplePercentage *float64       `json:"samplePercentage,omitempty" validate:"omitempty,gt=0,lte=100"`
	SampleSeed       *int64         `json:"sampleSeed,omitempty"`
	Priority         types.Priority `json:"priority" validate:"oneof=LOW NORMAL HIGH"`
	ExperimentID     *uuid.UUID     `json:"experimentId,omitempty"`
	UserID           *uuid.UUID     `json:"-"`
}

// StartRunResult is the created run and the number of probe jobs submitted
type StartRunResult struct {
	Run      *types.Run `json:"run"`
	JobCount int        `json:"jobCount"`
}

var validate = validator.New()

// Validate checks the input shape and converts the first violation into a ValidationError
func (in *StartRunInput) Validate() error {
	if in.Priority == "" {
		in.Priority = types.PriorityNormal
	}
	if err := validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	return nil
}

func toValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return types.NewValidationError("", "%v", err)
	}
	fe := verrs[0]
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required", "min":
		if fe.Field() == "Models" {
			return types.NewValidationError(field, "at least one model is required")
		}
		return types.NewValidationError(field, "is required")
	case "gt", "lte":
		return types.NewValidationError(field, "must be in (0, 100], got %v", fe.Value())
	case "oneof":
		return types.NewValidationError(field, "must be one of LOW, NORMAL, HIGH, got %q", fe.Value())
	default:
		return types.NewValidationError(field, "failed %s validation", fe.Tag())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// Manager owns the run state machine
type Manager struct {
	store      Store
	dispatcher Dispatcher
	jobs       JobCanceller
	advancer   Advancer
	estimator  *cost.Estimator
	metrics    *metrics.Metrics
	logger     zerolog.Logger
}

// NewManager creates a run lifecycle manager
func NewManager(store Store, dispatcher Dispatcher, jobs JobCanceller, advancer Advancer, estimator *cost.Estimator, m *metrics.Metrics) *Manager {
	if estimator == nil {
		estimator = cost.NewEstimator()
	}
	return &Manager{
		store:      store,
		dispatcher: dispatcher,
		jobs:       jobs,
		advancer:   advancer,
		estimator:  estimator,
		metrics:    m,
		logger:     logging.Component("runs"),
	}
}

// StartRun samples the definition's scenarios, creates a PENDING run and enqueues one
// probe per (model, scenario) pair.
func (m *Manager) StartRun(ctx context.Context, in StartRunInput) (*StartRunResult, error) {
	def, err := m.store.GetDefinition(ctx, in.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, types.NewNotFoundError("definition", in.DefinitionID)
	}

	scenarioIDs, err := m.store.ListActiveScenarioIDs(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	if len(scenarioIDs) == 0 {
		return nil, types.NewValidationError("definitionId", "definition has no scenarios")
	}

	if err := in.Validate(); err != nil {
		return nil, err
	}

	if in.ExperimentID != nil {
		exp, err := m.store.GetExperiment(ctx, *in.ExperimentID)
		if err != nil {
			return nil, err
		}
		if exp == nil {
			return nil, types.NewNotFoundError("experiment", *in.ExperimentID)
		}
	}

	existing, err := m.store.ListExistingModelIDs(ctx, in.Models)
	if err != nil {
		return nil, err
	}
	for _, modelID := range in.Models {
		if !existing[modelID] {
			return nil, types.NewNotFoundError("model", modelID)
		}
	}

	selected, err := sampling.Select(scenarioIDs, sampling.Options{Percentage: in.SamplePercentage, Seed: in.SampleSeed})
	if err != nil {
		return nil, err
	}

	prices, err := m.store.GetModelPricing(ctx, in.Models)
	if err != nil {
		return nil, err
	}
	estimate := m.estimator.Estimate(prices, in.Models, len(selected))

	run := &types.Run{
		DefinitionID: def.ID,
		ExperimentID: in.ExperimentID,
		Status:       types.RunStatusPending,
		Config: types.RunConfig{
			Models:             in.Models,
			Sampling:           types.SamplingConfig{Percentage: in.SamplePercentage, Seed: in.SampleSeed},
			Priority:           in.Priority,
			DefinitionSnapshot: def.Content,
			CostEstimate:       &estimate,
		},
		Progress:        types.Progress{Total: len(selected) * len(in.Models)},
		CreatedByUserID: in.UserID,
	}
	if err := m.store.CreateRun(ctx, run, selected); err != nil {
		return nil, err
	}
	m.metrics.Transition(string(types.RunStatusPending))

	logger := m.logger.With().Str("run_id", run.ID.String()).Logger()
	jobCount := 0
	for _, modelID := range in.Models {
		for _, scenarioID := range selected {
			if _, err := m.dispatcher.EnqueueProbe(ctx, run.ID, scenarioID, modelID, in.Priority); err != nil {
				logger.Error().Err(err).Int("enqueued", jobCount).Msg("failed to enqueue probes")
				return nil, fmt.Errorf("run %s created but enqueueing stopped after %d jobs: %w", run.ID, jobCount, err)
			}
			jobCount++
		}
	}

	logger.Info().
		Str("definition_id", def.ID.String()).
		Int("scenarios", len(selected)).
		Int("models", len(in.Models)).
		Int("jobs", jobCount).
		Float64("estimated_cost", estimate.Total).
		Msg("run started")
	return &StartRunResult{Run: run, JobCount: jobCount}, nil
}

// GetRun returns a non-deleted run
func (m *Manager) GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil || run.DeletedAt != nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	return run, nil
}

// transition applies a conditional status change, reporting the current status when
// the run is not in one of the allowed states.
func (m *Manager) transition(ctx context.Context, runID uuid.UUID, op string, from []types.RunStatus, to types.RunStatus) (*types.Run, error) {
	current, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, current.Status) {
		return nil, types.InvalidTransition(op, current.Status)
	}

	run, err := m.store.TransitionRunStatus(ctx, runID, from, to)
	if err != nil {
		return nil, err
	}
	if run == nil {
		// status changed between the read and the update
		latest, err := m.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, types.InvalidTransition(op, latest.Status)
	}

	m.metrics.Transition(string(to))
	m.logger.Info().
		Str("run_id", runID.String()).
		Str("from", string(current.Status)).
		Str("to", string(to)).
		Msg("run status changed")
	return run, nil
}

// PauseRun stops new work from being consumed. Jobs already executing finish.
func (m *Manager) PauseRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	return m.transition(ctx, runID, "pause",
		[]types.RunStatus{types.RunStatusPending, types.RunStatusRunning}, types.RunStatusPaused)
}

// ResumeRun returns a PAUSED run to the state it was paused from. A run whose probes
// all finished while paused moves on to summarization.
func (m *Manager) ResumeRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	current, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Status != types.RunStatusPaused {
		return nil, types.InvalidTransition("resume", current.Status)
	}

	run, err := m.store.ResumeRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		latest, err := m.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		return nil, types.InvalidTransition("resume", latest.Status)
	}
	m.metrics.Transition(string(run.Status))
	m.logger.Info().Str("run_id", runID.String()).Str("to", string(run.Status)).Msg("run resumed")

	if run.Progress.IsComplete() && m.advancer != nil {
		return m.advancer.AdvanceToSummarization(ctx, runID)
	}
	return run, nil
}

// CancelRun cancels a run and removes its not-yet-started jobs. Transcripts stay.
func (m *Manager) CancelRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := m.transition(ctx, runID, "cancel",
		[]types.RunStatus{types.RunStatusPending, types.RunStatusRunning, types.RunStatusPaused}, types.RunStatusCancelled)
	if err != nil {
		return nil, err
	}

	for _, jobType := range []string{types.JobTypeProbe, types.JobTypeSummarize} {
		removed, err := m.jobs.CancelForRun(ctx, jobType, runID)
		if err != nil {
			return nil, fmt.Errorf("run cancelled but failed to remove %s jobs: %w", jobType, err)
		}
		m.logger.Debug().Str("run_id", runID.String()).Str("type", jobType).Int("removed", removed).Msg("queued jobs removed")
	}
	return run, nil
}

// DeleteRun soft-deletes a run. Status and progress are untouched.
func (m *Manager) DeleteRun(ctx context.Context, runID uuid.UUID, userID *uuid.UUID) error {
	deleted, err := m.store.SoftDeleteRun(ctx, runID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return types.NewNotFoundError("run", runID)
	}
	m.logger.Info().Str("run_id", runID.String()).Msg("run deleted")
	return nil
}

// UpdateRun sets the run's display name. An empty name clears it.
func (m *Manager) UpdateRun(ctx context.Context, runID uuid.UUID, name string) (*types.Run, error) {
	name = strings.TrimSpace(name)
	if len(name) > 255 {
		return nil, types.NewValidationError("name", "must be at most 255 characters")
	}
	var namePtr *string
	if name != "" {
		namePtr = &name
	}

	run, err := m.store.UpdateRunName(ctx, runID, namePtr)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, types.NewNotFoundError("run", runID)
	}
	return run, nil
}

// EstimateCost projects the spend of a run without creating it. The sample is drawn
// exactly as StartRun would draw it.
func (m *Manager) EstimateCost(ctx context.Context, in StartRunInput) (*types.CostEstimate, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	def, err := m.store.GetDefinition(ctx, in.DefinitionID)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, types.NewNotFoundError("definition", in.DefinitionID)
	}
	scenarioIDs, err := m.store.ListActiveScenarioIDs(ctx, def.ID)
	if err != nil {
		return nil, err
	}
	selected, err := sampling.Select(scenarioIDs, sampling.Options{Percentage: in.SamplePercentage, Seed: in.SampleSeed})
	if err != nil {
		return nil, err
	}
	prices, err := m.store.GetModelPricing(ctx, in.Models)
	if err != nil {
		return nil, err
	}
	estimate := m.estimator.Estimate(prices, in.Models, len(selected))
	return &estimate, nil
}
