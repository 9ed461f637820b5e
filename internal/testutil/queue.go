package testutil

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/probe-orchestrator/internal/queue"
)

// Queue is an in-memory stand-in for *queue.Queue
type Queue struct {
	mu     sync.Mutex
	queues map[string]bool
	jobs   []*fakeJob

	// SendErr, FetchErr and ActiveCountErr make the corresponding calls fail.
	SendErr        error
	FetchErr       error
	ActiveCountErr error
}

type fakeJob struct {
	job        queue.Job
	startAfter time.Time
	lastError  string
}

// NewQueue creates an empty queue
func NewQueue() *Queue {
	return &Queue{queues: make(map[string]bool)}
}

func (q *Queue) CreateQueue(_ context.Context, name string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[name] = true
	return nil
}

// HasQueue reports whether a queue was created
func (q *Queue) HasQueue(name string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queues[name]
}

func inFlight(state string) bool {
	return state == queue.StateCreated || state == queue.StateRetry || state == queue.StateActive
}

func (q *Queue) Send(_ context.Context, opts queue.SendOptions) (uuid.UUID, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.SendErr != nil {
		return uuid.Nil, false, q.SendErr
	}

	if opts.SingletonKey != "" {
		for _, j := range q.jobs {
			if j.job.Queue == opts.Queue && j.job.SingletonKey == opts.SingletonKey && inFlight(j.job.State) {
				return uuid.Nil, false, nil
			}
		}
	}

	payload, err := json.Marshal(opts.Payload)
	if err != nil {
		return uuid.Nil, false, err
	}
	q.queues[opts.Queue] = true

	job := queue.Job{
		ID:           uuid.New(),
		Queue:        opts.Queue,
		Type:         opts.Type,
		Payload:      payload,
		State:        queue.StateCreated,
		Priority:     opts.Priority,
		SingletonKey: opts.SingletonKey,
		RetryLimit:   opts.Policy.RetryLimit,
		RetryDelay:   opts.Policy.RetryDelay,
		RetryBackoff: opts.Policy.RetryBackoff,
		ExpireIn:     time.Duration(opts.Policy.ExpireInSeconds) * time.Second,
		CreatedAt:    time.Now(),
	}
	if opts.RunID != uuid.Nil {
		runID := opts.RunID
		job.RunID = &runID
	}
	q.jobs = append(q.jobs, &fakeJob{job: job})
	return job.ID, true, nil
}

// Fetch claims ready jobs. Retry backoff is ignored so retried jobs are immediately
// available again; deferred jobs wait out their delay.
func (q *Queue) Fetch(_ context.Context, queueName string, limit int) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.FetchErr != nil {
		return nil, q.FetchErr
	}

	var ready []*fakeJob
	now := time.Now()
	for _, j := range q.jobs {
		if j.startAfter.After(now) {
			continue
		}
		if j.job.Queue == queueName && (j.job.State == queue.StateCreated || j.job.State == queue.StateRetry) {
			ready = append(ready, j)
		}
	}
	sort.SliceStable(ready, func(a, b int) bool { return ready[a].job.Priority > ready[b].job.Priority })

	var out []*queue.Job
	for _, j := range ready {
		if len(out) >= limit {
			break
		}
		j.job.State = queue.StateActive
		j.job.StartedAt = &now
		c := j.job
		out = append(out, &c)
	}
	return out, nil
}

func (q *Queue) find(id uuid.UUID) *fakeJob {
	for _, j := range q.jobs {
		if j.job.ID == id {
			return j
		}
	}
	return nil
}

func (q *Queue) Complete(_ context.Context, jobID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(jobID)
	if j == nil || j.job.State != queue.StateActive {
		return queue.ErrJobNotFound
	}
	j.job.State = queue.StateCompleted
	return nil
}

func (q *Queue) Fail(_ context.Context, jobID uuid.UUID, message string, retry bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(jobID)
	if j == nil || j.job.State != queue.StateActive {
		return false, queue.ErrJobNotFound
	}
	j.lastError = message
	j.job.StartedAt = nil
	if retry && j.job.RetryCount < j.job.RetryLimit {
		j.job.RetryCount++
		j.job.State = queue.StateRetry
		return true, nil
	}
	j.job.State = queue.StateFailed
	return false, nil
}

func (q *Queue) Defer(_ context.Context, jobID uuid.UUID, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j := q.find(jobID)
	if j == nil || j.job.State != queue.StateActive {
		return queue.ErrJobNotFound
	}
	j.job.State = queue.StateCreated
	j.job.StartedAt = nil
	j.startAfter = time.Now().Add(delay)
	return nil
}

func (q *Queue) ExpireActive(_ context.Context) ([]*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var touched []*queue.Job
	for _, j := range q.jobs {
		if j.job.State != queue.StateActive || j.job.StartedAt == nil || j.job.ExpireIn <= 0 {
			continue
		}
		if time.Since(*j.job.StartedAt) <= j.job.ExpireIn {
			continue
		}
		if j.job.RetryCount < j.job.RetryLimit {
			j.job.RetryCount++
			j.job.State = queue.StateRetry
		} else {
			j.job.State = queue.StateExpired
		}
		j.job.StartedAt = nil
		job := j.job
		touched = append(touched, &job)
	}
	return touched, nil
}

func (q *Queue) CancelForRun(_ context.Context, jobType string, runID uuid.UUID) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, j := range q.jobs {
		if j.job.RunID == nil || *j.job.RunID != runID || j.job.Type != jobType {
			continue
		}
		if j.job.State == queue.StateCreated || j.job.State == queue.StateRetry {
			j.job.State = queue.StateCancelled
			count++
		}
	}
	return count, nil
}

func (q *Queue) ActiveCount(_ context.Context, queueName string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ActiveCountErr != nil {
		return 0, q.ActiveCountErr
	}
	count := 0
	for _, j := range q.jobs {
		if j.job.Queue == queueName && j.job.State == queue.StateActive {
			count++
		}
	}
	return count, nil
}

func (q *Queue) InFlightKeys(_ context.Context, runID uuid.UUID, jobType string) (map[string]bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make(map[string]bool)
	for _, j := range q.jobs {
		if j.job.RunID != nil && *j.job.RunID == runID && j.job.Type == jobType &&
			j.job.SingletonKey != "" && inFlight(j.job.State) {
			keys[j.job.SingletonKey] = true
		}
	}
	return keys, nil
}

// Jobs returns copies of every job, optionally filtered to the given states
func (q *Queue) Jobs(states ...string) []queue.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Job
	for _, j := range q.jobs {
		if len(states) == 0 || slices.Contains(states, j.job.State) {
			out = append(out, j.job)
		}
	}
	return out
}

// JobsOfType returns copies of every job of one type
func (q *Queue) JobsOfType(jobType string) []queue.Job {
	var out []queue.Job
	for _, j := range q.Jobs() {
		if j.Type == jobType {
			out = append(out, j)
		}
	}
	return out
}

// Reset drops every job, as a process restart with a lost queue would
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = nil
}
