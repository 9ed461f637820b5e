package db

import (
	"time"

	"github.com/google/uuid"
)

// Model statuses
const (
	ModelStatusActive     = "ACTIVE"
	ModelStatusDeprecated = "DEPRECATED"
)

// Provider represents a row of the provider configuration table
type Provider struct {
	ID                  uuid.UUID `json:"id" yaml:"-"`
	Name                string    `json:"name" yaml:"name"`
	DisplayName         string    `json:"display_name" yaml:"display_name"`
	MaxParallelRequests int       `json:"max_parallel_requests" yaml:"max_parallel_requests"`
	RequestsPerMinute   int       `json:"requests_per_minute" yaml:"requests_per_minute"`
	IsEnabled           bool      `json:"is_enabled" yaml:"is_enabled"`
	UpdatedAt           time.Time `json:"updated_at" yaml:"-"`
}

// Model represents a model offered by a provider
type Model struct {
	ID                   uuid.UUID `json:"id" yaml:"-"`
	ProviderName         string    `json:"provider_name" yaml:"provider"`
	ModelID              string    `json:"model_id" yaml:"model_id"`
	DisplayName          string    `json:"display_name" yaml:"display_name"`
	CostInputPerMillion  *float64  `json:"cost_input_per_million,omitempty" yaml:"cost_input_per_million"`
	CostOutputPerMillion *float64  `json:"cost_output_per_million,omitempty" yaml:"cost_output_per_million"`
	Status               string    `json:"status" yaml:"status"`
}

// ModelPricing is the per-million token price of a model
type ModelPricing struct {
	CostInputPerMillion  float64
	CostOutputPerMillion float64
}

// ProviderSettings holds the operator-editable dispatch limits of a provider
type ProviderSettings struct {
	MaxParallelRequests *int
	RequestsPerMinute   *int
	IsEnabled           *bool
}
