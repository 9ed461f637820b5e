// Package queue provides a PostgreSQL-backed job queue with per-job retry policies,
// singleton dedupe and SKIP LOCKED claiming.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/jonathan/probe-orchestrator/internal/logging"
	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Job states
const (
	StateCreated   = "created"
	StateRetry     = "retry"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StateExpired   = "expired"
)

// ErrJobNotFound is returned when a job id does not match an active job.
var ErrJobNotFound = errors.New("job not found")

// Job is a claimed unit of work.
type Job struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	RunID        *uuid.UUID      `json:"run_id,omitempty"`
	State        string          `json:"state"`
	Priority     int             `json:"priority"`
	SingletonKey string          `json:"singleton_key,omitempty"`
	RetryLimit   int             `json:"retry_limit"`
	RetryCount   int             `json:"retry_count"`
	RetryDelay   int             `json:"retry_delay"`
	RetryBackoff bool            `json:"retry_backoff"`
	ExpireIn     time.Duration   `json:"expire_in"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

// AttemptsLeft reports whether a failure of this job would be retried.
func (j *Job) AttemptsLeft() bool {
	return j.RetryCount < j.RetryLimit
}

// SendOptions describes a job to enqueue.
type SendOptions struct {
	Queue        string
	Type         string
	Payload      any
	RunID        uuid.UUID
	Priority     int
	SingletonKey string
	Policy       types.RetryPolicy
}

// BackoffDelay returns how long to wait before retry number attempt (1-based).
func BackoffDelay(retryDelay int, backoff bool, attempt int) time.Duration {
	delay := time.Duration(retryDelay) * time.Second
	if !backoff || attempt <= 1 {
		return delay
	}
	return delay * time.Duration(math.Pow(2, float64(attempt-1)))
}

// Queue is the PostgreSQL job queue
type Queue struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New creates a queue on top of an existing pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool, logger: logging.Component("queue")}
}

const jobColumns = `id, queue, type, payload, run_id, state, priority, COALESCE(singleton_key, ''),
	retry_limit, retry_count, retry_delay, retry_backoff,
	EXTRACT(EPOCH FROM expire_in)::int, started_at, created_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var expireSeconds int
	err := row.Scan(&j.ID, &j.Queue, &j.Type, &j.Payload, &j.RunID, &j.State, &j.Priority,
		&j.SingletonKey, &j.RetryLimit, &j.RetryCount, &j.RetryDelay, &j.RetryBackoff,
		&expireSeconds, &j.StartedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	j.ExpireIn = time.Duration(expireSeconds) * time.Second
	return &j, nil
}

// CreateQueue registers a queue name. Idempotent.
func (q *Queue) CreateQueue(ctx context.Context, name string) error {
	_, err := q.pool.Exec(ctx,
		`INSERT INTO job_queues (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", name, err)
	}
	return nil
}

// Send enqueues a job. When a job with the same singleton key is already waiting or
// running on the queue, nothing is inserted and created is false.
func (q *Queue) Send(ctx context.Context, opts SendOptions) (id uuid.UUID, created bool, err error) {
	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	if err := q.CreateQueue(ctx, opts.Queue); err != nil {
		return uuid.Nil, false, err
	}

	var runID *uuid.UUID
	if opts.RunID != uuid.Nil {
		runID = &opts.RunID
	}
	var singleton *string
	if opts.SingletonKey != "" {
		singleton = &opts.SingletonKey
	}
	expire := opts.Policy.ExpireInSeconds
	if expire <= 0 {
		expire = 15 * 60
	}

	err = q.pool.QueryRow(ctx,
		`INSERT INTO jobs (queue, type, payload, run_id, priority, singleton_key,
		                   retry_limit, retry_delay, retry_backoff, expire_in)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, make_interval(secs => $10))
		 ON CONFLICT (queue, singleton_key)
		     WHERE singleton_key IS NOT NULL AND state IN ('created', 'retry', 'active')
		     DO NOTHING
		 RETURNING id`,
		opts.Queue, opts.Type, payload, runID, opts.Priority, singleton,
		opts.Policy.RetryLimit, opts.Policy.RetryDelay, opts.Policy.RetryBackoff, float64(expire),
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			q.logger.Debug().Str("queue", opts.Queue).Str("singleton_key", opts.SingletonKey).
				Msg("job already queued")
			return uuid.Nil, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("failed to send job to %s: %w", opts.Queue, err)
	}
	return id, true, nil
}

// Fetch claims up to limit ready jobs from a queue, highest priority first.
func (q *Queue) Fetch(ctx context.Context, queueName string, limit int) ([]*Job, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE jobs SET state = 'active', started_at = NOW()
		 WHERE id IN (
		     SELECT id FROM jobs
		     WHERE queue = $1 AND state IN ('created', 'retry') AND start_after <= NOW()
		     ORDER BY priority DESC, created_at
		     LIMIT $2
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		queueName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jobs from %s: %w", queueName, err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Complete marks an active job as done.
func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID) error {
	result, err := q.pool.Exec(ctx,
		`UPDATE jobs SET state = 'completed', completed_at = NOW()
		 WHERE id = $1 AND state = 'active'`,
		jobID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Fail records a failed attempt. With retry set and attempts left the job goes back to
// the queue after its backoff delay; otherwise it is failed for good. Reports whether
// the job will be retried.
func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, message string, retry bool) (bool, error) {
	var state string
	err := q.pool.QueryRow(ctx,
		`UPDATE jobs
		 SET state = CASE WHEN $3 AND retry_count < retry_limit THEN 'retry' ELSE 'failed' END,
		     start_after = CASE WHEN $3 AND retry_count < retry_limit
		         THEN NOW() + make_interval(secs => retry_delay *
		              CASE WHEN retry_backoff THEN power(2, retry_count) ELSE 1 END)
		         ELSE start_after END,
		     retry_count = CASE WHEN $3 AND retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
		     completed_at = CASE WHEN $3 AND retry_count < retry_limit THEN NULL ELSE NOW() END,
		     started_at = NULL,
		     last_error = $2
		 WHERE id = $1 AND state = 'active'
		 RETURNING state`,
		jobID, message, retry,
	).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrJobNotFound
		}
		return false, fmt.Errorf("failed to fail job: %w", err)
	}
	return state == StateRetry, nil
}

// Defer puts an active job back without consuming an attempt.
func (q *Queue) Defer(ctx context.Context, jobID uuid.UUID, delay time.Duration) error {
	result, err := q.pool.Exec(ctx,
		`UPDATE jobs
		 SET state = 'created', started_at = NULL,
		     start_after = NOW() + make_interval(secs => $2)
		 WHERE id = $1 AND state = 'active'`,
		jobID, delay.Seconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ExpireActive returns jobs that outlived expire_in to the queue, or moves them to
// expired when no attempts are left. It returns every job it touched in its new state.
func (q *Queue) ExpireActive(ctx context.Context) ([]*Job, error) {
	rows, err := q.pool.Query(ctx,
		`UPDATE jobs
		 SET state = CASE WHEN retry_count < retry_limit THEN 'retry' ELSE 'expired' END,
		     retry_count = CASE WHEN retry_count < retry_limit THEN retry_count + 1 ELSE retry_count END,
		     completed_at = CASE WHEN retry_count < retry_limit THEN NULL ELSE NOW() END,
		     started_at = NULL,
		     last_error = 'job expired'
		 WHERE state = 'active' AND started_at + expire_in < NOW()
		 RETURNING `+jobColumns)
	if err != nil {
		return nil, fmt.Errorf("failed to expire jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CancelForRun removes a run's not-yet-started jobs of one type. Jobs already running
// or finished are left alone.
func (q *Queue) CancelForRun(ctx context.Context, jobType string, runID uuid.UUID) (int, error) {
	result, err := q.pool.Exec(ctx,
		`UPDATE jobs SET state = 'cancelled', completed_at = NOW()
		 WHERE run_id = $1 AND type = $2 AND state IN ('created', 'retry')`,
		runID, jobType,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// ActiveCount returns how many jobs of a queue are currently being worked.
func (q *Queue) ActiveCount(ctx context.Context, queueName string) (int, error) {
	var count int
	err := q.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM jobs WHERE queue = $1 AND state = 'active'`, queueName,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active jobs: %w", err)
	}
	return count, nil
}

// InFlightKeys returns the singleton keys of a run's waiting or running jobs of one type.
func (q *Queue) InFlightKeys(ctx context.Context, runID uuid.UUID, jobType string) (map[string]bool, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT singleton_key FROM jobs
		 WHERE run_id = $1 AND type = $2 AND singleton_key IS NOT NULL
		   AND state IN ('created', 'retry', 'active')`,
		runID, jobType,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan job key: %w", err)
		}
		keys[key] = true
	}
	return keys, rows.Err()
}
