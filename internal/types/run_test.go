//nolint:revive // types is a standard Go package name pattern
package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculatePercentComplete(t *testing.T) {
	tests := []struct {
		name     string
		progress Progress
		want     int
	}{
		{"half completed", Progress{Total: 10, Completed: 5}, 50},
		{"completed and failed count together", Progress{Total: 10, Completed: 3, Failed: 2}, 50},
		{"empty run", Progress{}, 100},
		{"rounds down", Progress{Total: 3, Completed: 1}, 33},
		{"rounds up", Progress{Total: 3, Completed: 2}, 67},
		{"done", Progress{Total: 4, Completed: 2, Failed: 2}, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CalculatePercentComplete(tt.progress))
		})
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	terminal := []RunStatus{RunStatusCompleted, RunStatusFailed, RunStatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), s)
	}

	open := []RunStatus{RunStatusPending, RunStatusRunning, RunStatusPaused, RunStatusSummarizing}
	for _, s := range open {
		assert.False(t, s.IsTerminal(), s)
	}
}

func TestRunStatus_IsActive(t *testing.T) {
	assert.True(t, RunStatusRunning.IsActive())
	assert.True(t, RunStatusSummarizing.IsActive())
	assert.False(t, RunStatusPending.IsActive())
	assert.False(t, RunStatusPaused.IsActive())
	assert.False(t, RunStatusCompleted.IsActive())
}

func TestPriority_QueuePriority(t *testing.T) {
	assert.Greater(t, PriorityHigh.QueuePriority(), PriorityNormal.QueuePriority())
	assert.Greater(t, PriorityNormal.QueuePriority(), PriorityLow.QueuePriority())
	assert.Equal(t, 0, Priority("").QueuePriority())
}

func TestProgress_IsComplete(t *testing.T) {
	assert.False(t, Progress{Total: 3, Completed: 1, Failed: 1}.IsComplete())
	assert.True(t, Progress{Total: 3, Completed: 1, Failed: 2}.IsComplete())
	assert.True(t, Progress{}.IsComplete())
}
