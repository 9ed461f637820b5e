package types

import (
	"fmt"

	"github.com/google/uuid"
)

// Job type and queue names of the queue contract.
const (
	JobTypeProbe     = "probe_scenario"
	JobTypeSummarize = "summarize_transcript"

	// DefaultProbeQueue receives probes for models with no provider mapping.
	DefaultProbeQueue = "probe_scenario"
	// SummarizeQueue is the fixed queue for summarize jobs.
	SummarizeQueue = "summarize_transcript"
	// ProviderQueuePrefix prefixes every provider-specific probe queue.
	ProviderQueuePrefix = "probe_"
)

// ProviderQueueName returns the probe queue owned by a provider.
func ProviderQueueName(provider string) string {
	return ProviderQueuePrefix + provider
}

// RetryPolicy is the per-job retry configuration handed to the queue at enqueue time.
// RetryDelay is in seconds.
type RetryPolicy struct {
	RetryLimit      int  `json:"retryLimit"`
	RetryDelay      int  `json:"retryDelay"`
	RetryBackoff    bool `json:"retryBackoff"`
	ExpireInSeconds int  `json:"expireInSeconds"`
}

// SummarizeRetryPolicy is fixed for every summarize job.
var SummarizeRetryPolicy = RetryPolicy{
	RetryLimit:      3,
	RetryDelay:      10,
	RetryBackoff:    true,
	ExpireInSeconds: 120,
}

// ProbePayload is the body of a probe_scenario job.
type ProbePayload struct {
	RunID      uuid.UUID `json:"runId"`
	ScenarioID uuid.UUID `json:"scenarioId"`
	ModelID    string    `json:"modelId"`
}

// SingletonKey identifies the probe for queue-level dedupe.
func (p ProbePayload) SingletonKey() string {
	return ProbeSingletonKey(p.RunID, p.ScenarioID, p.ModelID)
}

// SummarizePayload is the body of a summarize_transcript job.
type SummarizePayload struct {
	RunID        uuid.UUID `json:"runId"`
	TranscriptID uuid.UUID `json:"transcriptId"`
}

// SingletonKey identifies the summarize job for queue-level dedupe.
func (p SummarizePayload) SingletonKey() string {
	return SummarizeSingletonKey(p.TranscriptID)
}

// ProbeSingletonKey builds the dedupe key for a (run, scenario, model) probe.
func ProbeSingletonKey(runID, scenarioID uuid.UUID, modelID string) string {
	return fmt.Sprintf("probe:%s:%s:%s", runID, scenarioID, modelID)
}

// SummarizeSingletonKey builds the dedupe key for a transcript summary.
func SummarizeSingletonKey(transcriptID uuid.UUID) string {
	return "summarize:" + transcriptID.String()
}

// ProviderLimits is the cached dispatch configuration of one provider.
type ProviderLimits struct {
	Name                string `json:"name"`
	MaxParallelRequests int    `json:"maxParallelRequests"`
	RequestsPerMinute   int    `json:"requestsPerMinute"`
	QueueName           string `json:"queueName"`
	Enabled             bool   `json:"enabled"`
}
