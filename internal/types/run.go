// Package types provides the domain types shared by the run orchestrator packages.
package types

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of an evaluation run.
type RunStatus string

// Run statuses. COMPLETED, FAILED and CANCELLED are terminal.
const (
	RunStatusPending     RunStatus = "PENDING"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusPaused      RunStatus = "PAUSED"
	RunStatusSummarizing RunStatus = "SUMMARIZING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusCancelled   RunStatus = "CANCELLED"
)

// IsTerminal reports whether no further lifecycle transitions happen on their own.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the run still has probe or summarize work in progress.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning || s == RunStatusSummarizing
}

// Priority is the dispatch priority tier of a run.
type Priority string

// Priority tiers.
const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// QueuePriority maps a tier onto the numeric queue priority (higher is fetched first).
func (p Priority) QueuePriority() int {
	switch p {
	case PriorityHigh:
		return 10
	case PriorityLow:
		return -10
	default:
		return 0
	}
}

// Progress counts probe (or summarize) jobs, not tokens.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Done returns the number of jobs that reached a final outcome.
func (p Progress) Done() int {
	return p.Completed + p.Failed
}

// IsComplete reports whether every expected job has an outcome.
func (p Progress) IsComplete() bool {
	return p.Done() >= p.Total
}

// CalculatePercentComplete returns round(100 * (completed+failed) / total).
// An empty run counts as fully complete.
func CalculatePercentComplete(p Progress) int {
	if p.Total <= 0 {
		return 100
	}
	return int(math.Round(100 * float64(p.Done()) / float64(p.Total)))
}

// SamplingConfig records how scenarios were sampled into a run.
type SamplingConfig struct {
	Percentage *float64 `json:"percentage,omitempty"`
	Seed       *int64   `json:"seed,omitempty"`
}

// RunConfig is the immutable snapshot stored with a run at creation.
type RunConfig struct {
	Models             []string       `json:"models"`
	Sampling           SamplingConfig `json:"sampling"`
	Priority           Priority       `json:"priority"`
	DefinitionSnapshot map[string]any `json:"definitionSnapshot,omitempty"`
	CostEstimate       *CostEstimate  `json:"costEstimate,omitempty"`
}

// Run is one evaluation campaign.
type Run struct {
	ID                uuid.UUID  `json:"id"`
	DefinitionID      uuid.UUID  `json:"definition_id"`
	ExperimentID      *uuid.UUID `json:"experiment_id,omitempty"`
	Name              *string    `json:"name,omitempty"`
	Status            RunStatus  `json:"status"`
	Config            RunConfig  `json:"config"`
	Progress          Progress   `json:"progress"`
	SummarizeProgress *Progress  `json:"summarize_progress,omitempty"`
	CreatedByUserID   *uuid.UUID `json:"created_by_user_id,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	DeletedByUserID   *uuid.UUID `json:"deleted_by_user_id,omitempty"`
}

// ModelCostEstimate is the projected spend for one model across the sampled scenarios.
type ModelCostEstimate struct {
	ModelID          string  `json:"modelId"`
	InputTokens      int     `json:"inputTokens"`
	OutputTokens     int     `json:"outputTokens"`
	InputCost        float64 `json:"inputCost"`
	OutputCost       float64 `json:"outputCost"`
	Total            float64 `json:"total"`
	IsUsingFallback  bool    `json:"isUsingFallback"`
	CostInputPerMil  float64 `json:"costInputPerMillion"`
	CostOutputPerMil float64 `json:"costOutputPerMillion"`
}

// CostEstimate is the projected spend for a candidate run.
type CostEstimate struct {
	Total           float64             `json:"total"`
	ScenarioCount   int                 `json:"scenarioCount"`
	PerModel        []ModelCostEstimate `json:"perModel"`
	IsUsingFallback bool                `json:"isUsingFallback"`
}
