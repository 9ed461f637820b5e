package db

import (
	"time"

	"github.com/google/uuid"
)

// Transcript represents one completed probe result
type Transcript struct {
	ID            uuid.UUID      `json:"id"`
	RunID         uuid.UUID      `json:"run_id"`
	ScenarioID    uuid.UUID      `json:"scenario_id"`
	ModelID       string         `json:"model_id"`
	ModelVersion  *string        `json:"model_version,omitempty"`
	Content       map[string]any `json:"content"`
	TurnCount     int            `json:"turn_count"`
	TokenCount    int            `json:"token_count"`
	DurationMs    int            `json:"duration_ms"`
	EstimatedCost float64        `json:"estimated_cost"`
	DecisionCode  *string        `json:"decision_code,omitempty"`
	DecisionText  *string        `json:"decision_text,omitempty"`
	SummarizedAt  *time.Time     `json:"summarized_at,omitempty"`
	SummaryError  *string        `json:"summary_error,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TranscriptRef is the lightweight view used to compute outstanding work
type TranscriptRef struct {
	ID           uuid.UUID
	ScenarioID   uuid.UUID
	ModelID      string
	Summarized   bool
	SummaryError bool
}

// NeedsSummary reports whether the transcript lacks a usable summary.
func (r TranscriptRef) NeedsSummary() bool {
	return !r.Summarized || r.SummaryError
}

// ProbeKey identifies one (scenario, model) probe within a run
type ProbeKey struct {
	ScenarioID uuid.UUID
	ModelID    string
}

// ProbeFailure records a probe that failed permanently
type ProbeFailure struct {
	RunID        uuid.UUID `json:"run_id"`
	ScenarioID   uuid.UUID `json:"scenario_id"`
	ModelID      string    `json:"model_id"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	CreatedAt    time.Time `json:"created_at"`
}
