package worker

import (
	"context"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

// DefaultSummarizeConcurrency bounds parallel summarize jobs per process
const DefaultSummarizeConcurrency = 4

// ProbeRegistrar attaches the probe handler to provider queues. It lets the dispatcher
// re-register a provider's consumer when its settings change.
type ProbeRegistrar struct {
	pool      *Pool
	handler   Handler
	onExpired Handler
}

// NewProbeRegistrar creates a registrar for the given pool, probe handler and expiry
// handler. onExpired may be nil.
func NewProbeRegistrar(pool *Pool, handler, onExpired Handler) *ProbeRegistrar {
	return &ProbeRegistrar{pool: pool, handler: handler, onExpired: onExpired}
}

// RegisterProbeQueue implements dispatch.Registrar. Disabled providers lose their consumer.
func (r *ProbeRegistrar) RegisterProbeQueue(_ context.Context, limits types.ProviderLimits) error {
	if !limits.Enabled {
		r.pool.Unregister(limits.QueueName)
		return nil
	}
	return r.pool.Register(Registration{
		Queue:             limits.QueueName,
		Provider:          limits.Name,
		Concurrency:       limits.MaxParallelRequests,
		RequestsPerMinute: limits.RequestsPerMinute,
		Handler:           r.handler,
		OnExpired:         r.onExpired,
	})
}

// RegisterSummarizeQueue attaches the summarize handler to the fixed summarize queue
func RegisterSummarizeQueue(pool *Pool, handler, onExpired Handler, concurrency int) error {
	if concurrency < 1 {
		concurrency = DefaultSummarizeConcurrency
	}
	return pool.Register(Registration{
		Queue:       types.SummarizeQueue,
		Concurrency: concurrency,
		Handler:     handler,
		OnExpired:   onExpired,
	})
}
