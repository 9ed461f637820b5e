// Package worker consumes probe and summarize jobs from the queue under per-provider
// concurrency and request-rate limits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/metrics"
	"github.com/jonathan/probe-orchestrator/internal/queue"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Defaults for pool timing
const (
	DefaultPollInterval   = time.Second
	DefaultExpireInterval = time.Minute
	DefaultDeferDelay     = 30 * time.Second
)

var (
	// ErrPoolRunning is returned by Start on a running pool
	ErrPoolRunning = errors.New("worker pool already running")
	// ErrPoolStopped is returned by Stop on a pool that is not running
	ErrPoolStopped = errors.New("worker pool not running")
)

// JobQueue is the queue surface the pool consumes
type JobQueue interface {
	Fetch(ctx context.Context, queueName string, limit int) ([]*queue.Job, error)
	Complete(ctx context.Context, jobID uuid.UUID) error
	Fail(ctx context.Context, jobID uuid.UUID, message string, retry bool) (bool, error)
	Defer(ctx context.Context, jobID uuid.UUID, delay time.Duration) error
	ExpireActive(ctx context.Context) ([]*queue.Job, error)
}

// CapacityChecker reports whether a provider can take another request
type CapacityChecker interface {
	HasProviderCapacity(ctx context.Context, name string) bool
}

// Handler processes one job. A nil error completes the job, a *DeferError puts it back
// without consuming an attempt, and any other error fails it; the failure is retried
// when ShouldRetry says so.
type Handler func(ctx context.Context, job *queue.Job) error

// DeferError asks the pool to re-schedule the job after Delay
type DeferError struct {
	Delay  time.Duration
	Reason string
}

func (e *DeferError) Error() string {
	return fmt.Sprintf("job deferred for %s: %s", e.Delay, e.Reason)
}

// ShouldRetry reports whether a failed job goes back to the queue.
func ShouldRetry(job *queue.Job, err error) bool {
	return types.IsRetryable(err) && job.AttemptsLeft()
}

// Registration describes one queue consumer
type Registration struct {
	Queue string
	// Provider is checked for capacity before each fetch; empty skips the check.
	Provider          string
	Concurrency       int
	RequestsPerMinute int
	Handler           Handler
	// OnExpired receives jobs the expiry sweep gave up on after their last attempt.
	OnExpired Handler
}

type consumer struct {
	reg     Registration
	cancel  context.CancelFunc
	stopped chan struct{}
}

// PoolConfig tunes the pool
type PoolConfig struct {
	PollInterval   time.Duration
	ExpireInterval time.Duration
}

// Pool runs one consumer loop per registered queue
type Pool struct {
	config   PoolConfig
	queue    JobQueue
	capacity CapacityChecker
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	consumers map[string]*consumer
	pending   map[string]Registration
	wg        sync.WaitGroup
}

// NewPool creates a pool. capacity may be nil.
func NewPool(config PoolConfig, q JobQueue, capacity CapacityChecker, m *metrics.Metrics) *Pool {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.ExpireInterval <= 0 {
		config.ExpireInterval = DefaultExpireInterval
	}
	return &Pool{
		config:    config,
		queue:     q,
		capacity:  capacity,
		metrics:   m,
		logger:    logging.Component("worker"),
		consumers: make(map[string]*consumer),
		pending:   make(map[string]Registration),
	}
}

// Register attaches a consumer to a queue. A consumer already attached to the queue
// stops fetching before the new one starts; its in-flight jobs keep running under the
// pool's context, so limits change without a restart or lost work.
func (p *Pool) Register(reg Registration) error {
	if reg.Queue == "" || reg.Handler == nil {
		return fmt.Errorf("registration needs a queue and a handler")
	}
	if reg.Concurrency < 1 {
		reg.Concurrency = 1
	}

	p.mu.Lock()
	if !p.running {
		p.pending[reg.Queue] = reg
		p.mu.Unlock()
		return nil
	}
	old := p.consumers[reg.Queue]
	delete(p.consumers, reg.Queue)
	p.mu.Unlock()

	if old != nil {
		old.cancel()
		<-old.stopped
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		p.pending[reg.Queue] = reg
		return nil
	}
	if raced, ok := p.consumers[reg.Queue]; ok {
		raced.cancel()
	}
	p.startConsumer(reg)
	p.logger.Info().
		Str("queue", reg.Queue).
		Int("concurrency", reg.Concurrency).
		Int("rpm", reg.RequestsPerMinute).
		Msg("queue consumer registered")
	return nil
}

// Unregister stops fetching from a queue. Jobs already running finish normally.
func (p *Pool) Unregister(queueName string) {
	p.mu.Lock()
	delete(p.pending, queueName)
	c, ok := p.consumers[queueName]
	delete(p.consumers, queueName)
	p.mu.Unlock()

	if ok {
		c.cancel()
		<-c.stopped
		p.logger.Info().Str("queue", queueName).Msg("queue consumer stopped")
	}
}

// Registered returns the registration of a queue, if any
func (p *Pool) Registered(queueName string) (Registration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.consumers[queueName]; ok {
		return c.reg, true
	}
	reg, ok := p.pending[queueName]
	return reg, ok
}

// Start launches every registered consumer and the expiry sweep.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrPoolRunning
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for _, reg := range p.pending {
		p.startConsumer(reg)
	}
	p.pending = make(map[string]Registration)

	p.wg.Add(1)
	go p.expireLoop(p.ctx)

	p.logger.Info().Int("queues", len(p.consumers)).Msg("worker pool started")
	return nil
}

// Stop cancels every consumer and in-flight job, and waits for them to return.
// Consumers replaced by Register are waited on as well.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrPoolStopped
	}
	p.cancel()
	p.running = false
	p.consumers = make(map[string]*consumer)
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
	return nil
}

// startConsumer must be called with mu held and the pool running. The consumer's own
// context only stops fetching; handlers run under the pool context.
func (p *Pool) startConsumer(reg Registration) {
	ctx, cancel := context.WithCancel(p.ctx)
	c := &consumer{reg: reg, cancel: cancel, stopped: make(chan struct{})}
	p.consumers[reg.Queue] = c
	p.wg.Add(1)
	go p.consume(ctx, p.ctx, c)
}

func newLimiter(rpm int) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1)
}

func (p *Pool) consume(ctx, jobCtx context.Context, c *consumer) {
	defer p.wg.Done()

	reg := c.reg
	logger := p.logger.With().Str("queue", reg.Queue).Logger()
	limiter := newLimiter(reg.RequestsPerMinute)
	slots := make(chan struct{}, reg.Concurrency)
	var inFlight sync.WaitGroup
	defer inFlight.Wait()
	defer close(c.stopped)

	for {
		select {
		case <-ctx.Done():
			return
		case slots <- struct{}{}:
		}

		job, err := p.next(ctx, reg)
		if err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("failed to fetch job")
		}
		if job == nil {
			<-slots
			if !sleep(ctx, p.config.PollInterval) {
				return
			}
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			// shutting down with a claimed job: hand it back untouched
			p.release(job, logger)
			<-slots
			return
		}

		inFlight.Add(1)
		go func() {
			defer inFlight.Done()
			defer func() { <-slots }()
			p.process(jobCtx, reg, job, logger)
		}()
	}
}

// next claims one job, or returns nil when the queue is empty or the provider is busy.
func (p *Pool) next(ctx context.Context, reg Registration) (*queue.Job, error) {
	if p.capacity != nil && reg.Provider != "" && !p.capacity.HasProviderCapacity(ctx, reg.Provider) {
		return nil, nil
	}
	jobs, err := p.queue.Fetch(ctx, reg.Queue, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

func (p *Pool) process(ctx context.Context, reg Registration, job *queue.Job, logger zerolog.Logger) {
	start := time.Now()
	err := reg.Handler(ctx, job)

	// Job bookkeeping must land even when the pool is shutting down.
	bookCtx := context.WithoutCancel(ctx)
	outcome := "completed"
	var deferErr *DeferError

	switch {
	case err == nil:
		if cerr := p.queue.Complete(bookCtx, job.ID); cerr != nil {
			logger.Error().Err(cerr).Str("job_id", job.ID.String()).Msg("failed to complete job")
		}
	case errors.As(err, &deferErr):
		outcome = "deferred"
		if derr := p.queue.Defer(bookCtx, job.ID, deferErr.Delay); derr != nil {
			logger.Error().Err(derr).Str("job_id", job.ID.String()).Msg("failed to defer job")
		}
	default:
		retry := ShouldRetry(job, err)
		outcome = "failed"
		if retry {
			outcome = "retried"
		}
		if _, ferr := p.queue.Fail(bookCtx, job.ID, err.Error(), retry); ferr != nil {
			logger.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to fail job")
		}
		logger.Warn().Err(err).
			Str("job_id", job.ID.String()).
			Int("retry_count", job.RetryCount).
			Bool("retry", retry).
			Msg("job failed")
	}

	p.metrics.JobProcessed(reg.Queue, outcome, time.Since(start).Seconds())
}

// release puts a claimed but unstarted job back without consuming an attempt
func (p *Pool) release(job *queue.Job, logger zerolog.Logger) {
	if err := p.queue.Defer(context.Background(), job.ID, 0); err != nil {
		logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to release job")
	}
}

func (p *Pool) expireLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.config.ExpireInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.expire(ctx)
		}
	}
}

// expire sweeps stuck jobs. Jobs out of attempts go to their queue's OnExpired hook so
// the work they stood for is settled rather than silently dropped.
func (p *Pool) expire(ctx context.Context) {
	jobs, err := p.queue.ExpireActive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error().Err(err).Msg("failed to expire jobs")
		}
		return
	}
	if len(jobs) == 0 {
		return
	}
	p.logger.Warn().Int("expired", len(jobs)).Msg("expired stuck jobs")

	bookCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if job.State != queue.StateExpired {
			continue
		}
		reg, ok := p.Registered(job.Queue)
		if !ok || reg.OnExpired == nil {
			p.logger.Warn().Str("queue", job.Queue).Str("job_id", job.ID.String()).Msg("no expiry handler for job")
			continue
		}
		if err := reg.OnExpired(bookCtx, job); err != nil {
			p.logger.Error().Err(err).Str("queue", job.Queue).Str("job_id", job.ID.String()).Msg("failed to settle expired job")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
