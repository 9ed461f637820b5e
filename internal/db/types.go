package db

import (
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Definition represents a scenario definition record
type Definition struct {
	ID        uuid.UUID      `json:"id"`
	Name      string         `json:"name"`
	Content   map[string]any `json:"content"`
	CreatedAt time.Time      `json:"created_at"`
}

// Scenario represents one scenario belonging to a definition
type Scenario struct {
	ID           uuid.UUID      `json:"id"`
	DefinitionID uuid.UUID      `json:"definition_id"`
	Name         string         `json:"name"`
	Content      map[string]any `json:"content"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Experiment represents an experiment record that runs may be grouped under
type Experiment struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProgressUpdate is the outcome of one atomic progress increment.
type ProgressUpdate struct {
	PreviousStatus types.RunStatus
	Run            *types.Run
}

// EnteredSummarizing reports whether this update moved the run into SUMMARIZING.
// Only the one update that crossed the threshold observes this.
func (u *ProgressUpdate) EnteredSummarizing() bool {
	return u.PreviousStatus != types.RunStatusSummarizing && u.Run.Status == types.RunStatusSummarizing
}

// SummarizeUpdate is the outcome of one atomic summarize-progress increment.
type SummarizeUpdate struct {
	PreviousStatus types.RunStatus
	Run            *types.Run
}

// Completed reports whether this update finished the run.
func (u *SummarizeUpdate) Completed() bool {
	return u.PreviousStatus == types.RunStatusSummarizing && u.Run.Status == types.RunStatusCompleted
}
