// Package dispatch routes probe and summarize jobs to their queues.
package dispatch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/providers"
	"github.com/jonathan/probe-orchestrator/internal/queue"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Probe retry defaults. The delay grows for providers with a low request budget.
const (
	ProbeRetryLimit      = 3
	ProbeMinRetryDelay   = 5
	ProbeExpireInSeconds = 300
)

// Queue is the subset of the job queue the dispatcher needs
type Queue interface {
	CreateQueue(ctx context.Context, name string) error
	Send(ctx context.Context, opts queue.SendOptions) (uuid.UUID, bool, error)
}

// Resolver resolves models to provider limits
type Resolver interface {
	GetProviderForModel(ctx context.Context, modelID string) (*types.ProviderLimits, error)
	All(ctx context.Context) ([]types.ProviderLimits, error)
	ClearCache()
}

// SettingsStore persists provider settings
type SettingsStore interface {
	UpdateProviderSettings(ctx context.Context, name string, settings db.ProviderSettings) (*db.Provider, error)
}

// Registrar attaches a probe worker to a queue with the given limits, replacing any
// worker already attached to it.
type Registrar interface {
	RegisterProbeQueue(ctx context.Context, limits types.ProviderLimits) error
}

// DefaultProbeLimits applies to the catch-all probe queue.
var DefaultProbeLimits = types.ProviderLimits{
	Name:                "default",
	MaxParallelRequests: 2,
	RequestsPerMinute:   30,
	QueueName:           types.DefaultProbeQueue,
	Enabled:             true,
}

// Dispatcher enqueues jobs on provider-specific queues
type Dispatcher struct {
	queue     Queue
	resolver  Resolver
	settings  SettingsStore
	registrar Registrar
	metrics   *metrics.Metrics
	logger    zerolog.Logger
}

// New creates a dispatcher. The registrar may be attached later with SetRegistrar.
func New(q Queue, resolver Resolver, settings SettingsStore, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		queue:    q,
		resolver: resolver,
		settings: settings,
		metrics:  m,
		logger:   logging.Component("dispatch"),
	}
}

// SetRegistrar attaches the worker registrar used for live handler registration.
func (d *Dispatcher) SetRegistrar(r Registrar) {
	d.registrar = r
}

// route resolves the queue for a model. Unmapped models, and lookup failures, go to the
// default probe queue with nil limits.
func (d *Dispatcher) route(ctx context.Context, modelID string) (string, *types.ProviderLimits) {
	limits, err := d.resolver.GetProviderForModel(ctx, modelID)
	if err != nil {
		d.logger.Warn().Err(err).Str("model_id", modelID).Msg("provider lookup failed, using default queue")
		return types.DefaultProbeQueue, nil
	}
	if limits == nil {
		return types.DefaultProbeQueue, nil
	}
	return limits.QueueName, limits
}

// QueueNameForModel returns the probe queue for a model
func (d *Dispatcher) QueueNameForModel(ctx context.Context, modelID string) string {
	name, _ := d.route(ctx, modelID)
	return name
}

// ProbeRetryPolicy derives the retry policy of a probe job from its provider's limits.
// The base delay is one request interval at the provider's RPM, never under five seconds.
func ProbeRetryPolicy(limits *types.ProviderLimits) types.RetryPolicy {
	delay := ProbeMinRetryDelay
	if limits != nil && limits.RequestsPerMinute > 0 {
		delay = max(delay, 60/limits.RequestsPerMinute)
	}
	return types.RetryPolicy{
		RetryLimit:      ProbeRetryLimit,
		RetryDelay:      delay,
		RetryBackoff:    true,
		ExpireInSeconds: ProbeExpireInSeconds,
	}
}

// EnqueueProbe submits one probe job. Returns false when the same probe is already
// queued or running.
func (d *Dispatcher) EnqueueProbe(ctx context.Context, runID, scenarioID uuid.UUID, modelID string, priority types.Priority) (bool, error) {
	queueName, limits := d.route(ctx, modelID)
	payload := types.ProbePayload{RunID: runID, ScenarioID: scenarioID, ModelID: modelID}

	_, created, err := d.queue.Send(ctx, queue.SendOptions{
		Queue:        queueName,
		Type:         types.JobTypeProbe,
		Payload:      payload,
		RunID:        runID,
		Priority:     priority.QueuePriority(),
		SingletonKey: payload.SingletonKey(),
		Policy:       ProbeRetryPolicy(limits),
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue probe for model %s: %w", modelID, err)
	}
	d.metrics.JobEnqueued(types.JobTypeProbe, queueName, created)
	return created, nil
}

// EnqueueSummarize submits one summarize job on the fixed summarize queue
func (d *Dispatcher) EnqueueSummarize(ctx context.Context, runID, transcriptID uuid.UUID) (bool, error) {
	payload := types.SummarizePayload{RunID: runID, TranscriptID: transcriptID}

	_, created, err := d.queue.Send(ctx, queue.SendOptions{
		Queue:        types.SummarizeQueue,
		Type:         types.JobTypeSummarize,
		Payload:      payload,
		RunID:        runID,
		SingletonKey: payload.SingletonKey(),
		Policy:       types.SummarizeRetryPolicy,
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue summarize job: %w", err)
	}
	d.metrics.JobEnqueued(types.JobTypeSummarize, types.SummarizeQueue, created)
	return created, nil
}

// CreateProviderQueues creates the default, summarize and per-provider queues. Idempotent.
func (d *Dispatcher) CreateProviderQueues(ctx context.Context) error {
	names := []string{types.DefaultProbeQueue, types.SummarizeQueue}

	all, err := d.resolver.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		names = append(names, p.QueueName)
	}

	for _, name := range names {
		if err := d.queue.CreateQueue(ctx, name); err != nil {
			return err
		}
	}
	d.logger.Info().Int("queues", len(names)).Msg("probe queues ready")
	return nil
}

// RegisterProviderQueueHandlers attaches a probe worker to the default queue and to
// every enabled provider's queue. Idempotent.
func (d *Dispatcher) RegisterProviderQueueHandlers(ctx context.Context) error {
	if d.registrar == nil {
		return fmt.Errorf("no worker registrar configured")
	}
	if err := d.registrar.RegisterProbeQueue(ctx, DefaultProbeLimits); err != nil {
		return fmt.Errorf("failed to register default probe queue: %w", err)
	}

	all, err := d.resolver.All(ctx)
	if err != nil {
		return err
	}
	for _, p := range all {
		if err := d.registrar.RegisterProbeQueue(ctx, p); err != nil {
			return fmt.Errorf("failed to register queue %s: %w", p.QueueName, err)
		}
	}
	return nil
}

// UpdateProviderSettings persists new provider limits and re-registers the provider's
// worker with them. A failed re-registration is logged; the saved settings stand and
// take effect on the next restart at the latest.
func (d *Dispatcher) UpdateProviderSettings(ctx context.Context, name string, settings db.ProviderSettings) (*db.Provider, error) {
	if settings.MaxParallelRequests != nil && *settings.MaxParallelRequests < 1 {
		return nil, types.NewValidationError("maxParallelRequests", "must be at least 1")
	}
	if settings.RequestsPerMinute != nil && *settings.RequestsPerMinute < 1 {
		return nil, types.NewValidationError("requestsPerMinute", "must be at least 1")
	}

	provider, err := d.settings.UpdateProviderSettings(ctx, name, settings)
	if err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, types.NewNotFoundError("provider", name)
	}
	d.resolver.ClearCache()

	logger := d.logger.With().Str("provider", name).Logger()
	if d.registrar == nil {
		logger.Warn().Msg("no worker registrar configured, settings apply on restart")
		return provider, nil
	}

	limits := providers.LimitsFromProvider(*provider)
	if err := d.queue.CreateQueue(ctx, limits.QueueName); err != nil {
		logger.Error().Err(err).Msg("failed to create provider queue")
		return provider, nil
	}
	if err := d.registrar.RegisterProbeQueue(ctx, limits); err != nil {
		logger.Error().Err(err).Msg("failed to re-register provider queue handler")
		return provider, nil
	}

	logger.Info().
		Int("max_parallel", limits.MaxParallelRequests).
		Int("rpm", limits.RequestsPerMinute).
		Bool("enabled", limits.Enabled).
		Msg("provider settings applied")
	return provider, nil
}
