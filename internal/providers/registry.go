// Package providers caches per-provider dispatch limits and resolves models to providers.
package providers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/db"
	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Store is the provider configuration source of truth
type Store interface {
	ListEnabledProviders(ctx context.Context) ([]db.Provider, error)
	ListModelProviders(ctx context.Context) (map[string]string, error)
	GetModelProvider(ctx context.Context, modelID string) (string, error)
}

// QueueInspector reports queue occupancy
type QueueInspector interface {
	ActiveCount(ctx context.Context, queue string) (int, error)
}

// Registry is a read-through cache of provider limits and the model→provider mapping.
// Safe for concurrent use; the most recent loader wins.
type Registry struct {
	store   Store
	queue   QueueInspector
	metrics *metrics.Metrics
	logger  zerolog.Logger

	mu        sync.RWMutex
	loaded    bool
	providers map[string]types.ProviderLimits
	models    map[string]string
}

// NewRegistry creates an empty registry; the first lookup loads it.
func NewRegistry(store Store, queue QueueInspector, m *metrics.Metrics) *Registry {
	return &Registry{
		store:   store,
		queue:   queue,
		metrics: m,
		logger:  logging.Component("providers"),
	}
}

// Refresh reloads providers and models from the store.
func (r *Registry) Refresh(ctx context.Context) error {
	rows, err := r.store.ListEnabledProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	models, err := r.store.ListModelProviders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load model providers: %w", err)
	}

	providers := make(map[string]types.ProviderLimits, len(rows))
	for _, p := range rows {
		providers[p.Name] = LimitsFromProvider(p)
	}

	r.mu.Lock()
	r.providers = providers
	r.models = models
	r.loaded = true
	r.mu.Unlock()

	r.logger.Debug().Int("providers", len(providers)).Int("models", len(models)).Msg("provider cache loaded")
	return nil
}

// ClearCache drops the cached configuration so the next lookup reloads it.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.loaded = false
	r.providers = nil
	r.models = nil
	r.mu.Unlock()
}

func (r *Registry) ensureLoaded(ctx context.Context) error {
	r.mu.RLock()
	loaded := r.loaded
	r.mu.RUnlock()
	if loaded {
		return nil
	}
	return r.Refresh(ctx)
}

// Get returns the cached limits of a provider, or nil if it is unknown or disabled.
func (r *Registry) Get(ctx context.Context, name string) (*types.ProviderLimits, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	limits, ok := r.providers[name]
	if !ok {
		return nil, nil
	}
	return &limits, nil
}

// All returns every enabled provider's limits, sorted by name.
func (r *Registry) All(ctx context.Context) ([]types.ProviderLimits, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	all := make([]types.ProviderLimits, 0, len(r.providers))
	for _, l := range r.providers {
		all = append(all, l)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all, nil
}

// GetProviderForModel resolves the provider owning modelID. A model missing from the
// cache is looked up in the store directly and cached, so models added after the last
// load still resolve. Returns nil for unmapped models.
func (r *Registry) GetProviderForModel(ctx context.Context, modelID string) (*types.ProviderLimits, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	name, ok := r.models[modelID]
	r.mu.RUnlock()

	if !ok {
		r.metrics.CacheMiss()
		var err error
		name, err = r.store.GetModelProvider(ctx, modelID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve provider for model %s: %w", modelID, err)
		}
		if name == "" {
			return nil, nil
		}
		r.mu.Lock()
		if r.models != nil {
			r.models[modelID] = name
		}
		r.mu.Unlock()
	}

	limits, err := r.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	if limits == nil && !ok {
		// provider created after the last load
		if err := r.Refresh(ctx); err != nil {
			return nil, err
		}
		return r.Get(ctx, name)
	}
	return limits, nil
}

// HasProviderCapacity reports whether the provider's queue has fewer active jobs than
// its parallel limit. Unknown providers and inspection errors report capacity.
func (r *Registry) HasProviderCapacity(ctx context.Context, name string) bool {
	limits, err := r.Get(ctx, name)
	if err != nil {
		r.logger.Warn().Err(err).Str("provider", name).Msg("provider lookup failed, assuming capacity")
		return true
	}
	if limits == nil || limits.MaxParallelRequests <= 0 {
		return true
	}

	active, err := r.queue.ActiveCount(ctx, limits.QueueName)
	if err != nil {
		r.logger.Warn().Err(err).Str("queue", limits.QueueName).Msg("queue inspection failed, assuming capacity")
		return true
	}
	return active < limits.MaxParallelRequests
}

// LimitsFromProvider derives cached limits from a provider row.
func LimitsFromProvider(p db.Provider) types.ProviderLimits {
	return types.ProviderLimits{
		Name:                p.Name,
		MaxParallelRequests: p.MaxParallelRequests,
		RequestsPerMinute:   p.RequestsPerMinute,
		QueueName:           types.ProviderQueueName(p.Name),
		Enabled:             p.IsEnabled,
	}
}
