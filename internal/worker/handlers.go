package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/cost"
	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/progress"
	"github.com/jonathan/probe-orchestrator/internal/queue"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// ProbeStore is the persistence the probe handler needs
type ProbeStore interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	GetScenario(ctx context.Context, id uuid.UUID) (*db.Scenario, error)
	GetModelPricing(ctx context.Context, modelIDs []string) (map[string]db.ModelPricing, error)
	CreateTranscript(ctx context.Context, t *db.Transcript) (bool, error)
	RecordProbeFailure(ctx context.Context, f *db.ProbeFailure) (bool, error)
}

// SummaryStore is the persistence the summarize handler needs
type SummaryStore interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*types.Run, error)
	GetTranscript(ctx context.Context, id uuid.UUID) (*db.Transcript, error)
	SaveSummary(ctx context.Context, transcriptID uuid.UUID, decisionCode, decisionText string) (bool, error)
	SaveSummaryError(ctx context.Context, transcriptID uuid.UUID, message string) error
}

// ProgressRecorder applies job outcomes to run progress
type ProgressRecorder interface {
	IncrementCompleted(ctx context.Context, runID uuid.UUID) (*progress.Result, error)
	IncrementFailed(ctx context.Context, runID uuid.UUID) (*progress.Result, error)
	IncrementSummarize(ctx context.Context, runID uuid.UUID, completed, failed int) (*db.SummarizeUpdate, error)
}

// errorCode extracts the provider error code, UNKNOWN for unclassified errors
func errorCode(err error) types.ProviderErrorCode {
	var retryable *types.RetryableProviderError
	if errors.As(err, &retryable) {
		return retryable.Code
	}
	var permanent *types.NonRetryableProviderError
	if errors.As(err, &permanent) {
		return permanent.Code
	}
	if types.IsValidation(err) {
		return types.CodeValidationError
	}
	return types.CodeUnknown
}

func decodePayload(job *queue.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return &types.NonRetryableProviderError{
			Code:    types.CodeValidationError,
			Message: fmt.Sprintf("malformed %s payload: %v", job.Type, err),
		}
	}
	return nil
}

// ProbeHandler executes probe_scenario jobs
type ProbeHandler struct {
	store      ProbeStore
	progress   ProgressRecorder
	executor   ProbeExecutor
	config     ProbeConfig
	deferDelay time.Duration
	logger     zerolog.Logger
}

// NewProbeHandler creates a probe handler
func NewProbeHandler(store ProbeStore, recorder ProgressRecorder, executor ProbeExecutor, config ProbeConfig) *ProbeHandler {
	return &ProbeHandler{
		store:      store,
		progress:   recorder,
		executor:   executor,
		config:     config,
		deferDelay: DefaultDeferDelay,
		logger:     logging.Component("probe"),
	}
}

// Handle runs one probe. Paused runs defer the job; finished, cancelled and deleted runs
// complete it without calling the model.
func (h *ProbeHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload types.ProbePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	logger := h.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("scenario_id", payload.ScenarioID.String()).
		Str("model_id", payload.ModelID).
		Logger()

	run, err := h.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.DeletedAt != nil {
		logger.Warn().Msg("run gone, dropping probe")
		return nil
	}
	if run.Status == types.RunStatusPaused {
		return &DeferError{Delay: h.deferDelay, Reason: "run paused"}
	}
	if run.Status.IsTerminal() {
		logger.Debug().Str("status", string(run.Status)).Msg("run finished, skipping probe")
		return nil
	}

	scenario, err := h.store.GetScenario(ctx, payload.ScenarioID)
	if err != nil {
		return err
	}
	if scenario == nil {
		return h.fail(ctx, job, payload, types.NewProviderError(types.CodeNotFound, "scenario not found", payload.ScenarioID.String()), logger)
	}

	start := time.Now()
	transcript, err := h.executor.ExecuteProbe(ctx, ProbeInput{
		RunID:      payload.RunID.String(),
		ScenarioID: payload.ScenarioID.String(),
		ModelID:    payload.ModelID,
		Scenario:   scenario.Content,
		Config:     h.config,
	})
	if err != nil {
		return h.fail(ctx, job, payload, err, logger)
	}
	duration := time.Since(start)

	record, err := h.buildTranscript(ctx, payload, transcript, duration)
	if err != nil {
		return err
	}
	inserted, err := h.store.CreateTranscript(ctx, record)
	if err != nil {
		return err
	}
	if !inserted {
		logger.Info().Msg("transcript already stored, not counting twice")
		return nil
	}

	if _, err := h.progress.IncrementCompleted(ctx, payload.RunID); err != nil {
		// the transcript is durable; recovery reconciles from it
		logger.Error().Err(err).Msg("failed to record probe completion")
		return nil
	}
	logger.Info().
		Int("turns", record.TurnCount).
		Int("tokens", record.TokenCount).
		Int("duration_ms", record.DurationMs).
		Float64("cost", record.EstimatedCost).
		Msg("probe completed")
	return nil
}

func (h *ProbeHandler) buildTranscript(ctx context.Context, p types.ProbePayload, t *ProbeTranscript, duration time.Duration) (*db.Transcript, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transcript: %w", err)
	}
	var content map[string]any
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("failed to convert transcript: %w", err)
	}

	prices, err := h.store.GetModelPricing(ctx, []string{p.ModelID})
	if err != nil {
		return nil, err
	}
	pricing, ok := prices[p.ModelID]
	if !ok {
		pricing = cost.FallbackPricing
	}

	return &db.Transcript{
		RunID:         p.RunID,
		ScenarioID:    p.ScenarioID,
		ModelID:       p.ModelID,
		ModelVersion:  t.ModelVersion,
		Content:       content,
		TurnCount:     len(t.Turns),
		TokenCount:    t.TotalInputTokens + t.TotalOutputTokens,
		DurationMs:    int(duration.Milliseconds()),
		EstimatedCost: cost.Calculate(t.TotalInputTokens, t.TotalOutputTokens, pricing),
	}, nil
}

// fail decides between a queue retry and a recorded permanent failure.
func (h *ProbeHandler) fail(ctx context.Context, job *queue.Job, p types.ProbePayload, cause error, logger zerolog.Logger) error {
	if ShouldRetry(job, cause) {
		logger.Warn().Err(cause).Int("retry_count", job.RetryCount).Msg("probe failed, will retry")
		return cause
	}

	if err := h.recordFailure(ctx, p, cause, logger); err != nil {
		logger.Error().Err(err).Msg("failed to record probe failure")
		return cause
	}
	logger.Error().Err(cause).Str("code", string(errorCode(cause))).Msg("probe failed permanently")
	return cause
}

// recordFailure stores a permanent failure and counts it once
func (h *ProbeHandler) recordFailure(ctx context.Context, p types.ProbePayload, cause error, logger zerolog.Logger) error {
	recorded, err := h.store.RecordProbeFailure(ctx, &db.ProbeFailure{
		RunID:        p.RunID,
		ScenarioID:   p.ScenarioID,
		ModelID:      p.ModelID,
		ErrorCode:    string(errorCode(cause)),
		ErrorMessage: cause.Error(),
	})
	if err != nil {
		return err
	}
	if recorded {
		if _, err := h.progress.IncrementFailed(ctx, p.RunID); err != nil {
			logger.Error().Err(err).Msg("failed to record probe failure in progress")
		}
	}
	return nil
}

// HandleExpired settles a probe whose job timed out on its last attempt. It is recorded
// as a TIMEOUT failure so the run can finish and recovery stops re-enqueueing it.
func (h *ProbeHandler) HandleExpired(ctx context.Context, job *queue.Job) error {
	var payload types.ProbePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	logger := h.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("scenario_id", payload.ScenarioID.String()).
		Str("model_id", payload.ModelID).
		Logger()

	run, err := h.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.DeletedAt != nil || run.Status.IsTerminal() {
		return nil
	}

	cause := types.NewProviderError(types.CodeTimeout, "job expired before the probe finished", job.ID.String())
	if err := h.recordFailure(ctx, payload, cause, logger); err != nil {
		return err
	}
	logger.Error().Err(cause).Int("retry_count", job.RetryCount).Msg("probe expired permanently")
	return nil
}

// SummarizeHandler executes summarize_transcript jobs
type SummarizeHandler struct {
	store    SummaryStore
	progress ProgressRecorder
	executor SummaryExecutor
	model    string
	logger   zerolog.Logger
}

// NewSummarizeHandler creates a summarize handler using model for the summaries
func NewSummarizeHandler(store SummaryStore, recorder ProgressRecorder, executor SummaryExecutor, model string) *SummarizeHandler {
	return &SummarizeHandler{
		store:    store,
		progress: recorder,
		executor: executor,
		model:    model,
		logger:   logging.Component("summarize"),
	}
}

// Handle summarizes one transcript. Transcripts already summarized and runs no longer
// summarizing complete the job without work.
func (h *SummarizeHandler) Handle(ctx context.Context, job *queue.Job) error {
	var payload types.SummarizePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	logger := h.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("transcript_id", payload.TranscriptID.String()).
		Logger()

	run, err := h.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != types.RunStatusSummarizing {
		logger.Debug().Msg("run not summarizing, skipping")
		return nil
	}

	transcript, err := h.store.GetTranscript(ctx, payload.TranscriptID)
	if err != nil {
		return err
	}
	if transcript == nil {
		logger.Warn().Msg("transcript gone, skipping")
		return nil
	}
	if transcript.SummarizedAt != nil && transcript.SummaryError == nil {
		return nil
	}

	summary, err := h.executor.Summarize(ctx, SummarizeInput{
		TranscriptID:      transcript.ID.String(),
		ModelID:           h.model,
		TranscriptContent: transcript.Content,
	})
	if err != nil {
		if ShouldRetry(job, err) {
			logger.Warn().Err(err).Int("retry_count", job.RetryCount).Msg("summarize failed, will retry")
			return err
		}
		if serr := h.recordError(ctx, payload.RunID, transcript.ID, err.Error(), logger); serr != nil {
			logger.Error().Err(serr).Msg("failed to save summary error")
		}
		return err
	}

	saved, err := h.store.SaveSummary(ctx, transcript.ID, summary.DecisionCode, summary.DecisionText)
	if err != nil {
		return err
	}
	if !saved {
		return nil
	}
	if _, err := h.progress.IncrementSummarize(ctx, payload.RunID, 1, 0); err != nil {
		logger.Error().Err(err).Msg("failed to record summarize completion")
	}
	logger.Info().Str("decision_code", summary.DecisionCode).Msg("transcript summarized")
	return nil
}

// recordError stores a summary error and counts it as a failed summary
func (h *SummarizeHandler) recordError(ctx context.Context, runID, transcriptID uuid.UUID, message string, logger zerolog.Logger) error {
	if err := h.store.SaveSummaryError(ctx, transcriptID, message); err != nil {
		return err
	}
	if _, err := h.progress.IncrementSummarize(ctx, runID, 0, 1); err != nil {
		logger.Error().Err(err).Msg("failed to record summarize failure")
	}
	return nil
}

// HandleExpired records a summary error for a transcript whose job timed out on its
// last attempt, letting summarization complete.
func (h *SummarizeHandler) HandleExpired(ctx context.Context, job *queue.Job) error {
	var payload types.SummarizePayload
	if err := decodePayload(job, &payload); err != nil {
		return err
	}
	logger := h.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("transcript_id", payload.TranscriptID.String()).
		Logger()

	run, err := h.store.GetRun(ctx, payload.RunID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != types.RunStatusSummarizing {
		return nil
	}
	transcript, err := h.store.GetTranscript(ctx, payload.TranscriptID)
	if err != nil {
		return err
	}
	if transcript == nil || transcript.SummarizedAt != nil {
		return nil
	}

	if err := h.recordError(ctx, payload.RunID, transcript.ID, "summarize job expired", logger); err != nil {
		return err
	}
	logger.Error().Msg("summarize job expired permanently")
	return nil
}
