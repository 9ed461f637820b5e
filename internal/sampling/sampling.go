// Package sampling selects the subset of a definition's scenarios that a run probes.
package sampling

import (
	"math"
	"math/rand"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/probe-orchestrator/internal/types"
)

// Options controls how many scenarios are sampled and how.
// A nil Percentage (or 100) selects every scenario.
type Options struct {
	Percentage *float64
	Seed       *int64
}

// ValidatePercentage rejects percentages outside (0, 100].
func ValidatePercentage(percentage *float64) error {
	if percentage == nil {
		return nil
	}
	if *percentage <= 0 || *percentage > 100 || math.IsNaN(*percentage) {
		return types.NewValidationError("samplePercentage", "sample percentage must be in (0, 100], got %v", *percentage)
	}
	return nil
}

// SampleCount returns how many of total scenarios are selected at a percentage.
// At least one scenario is selected from a non-empty set.
func SampleCount(total int, percentage float64) int {
	if total == 0 {
		return 0
	}
	count := int(math.Round(float64(total) * percentage / 100))
	return min(total, max(1, count))
}

// Select picks scenarios from ids. The same ids, percentage and seed always yield the
// same selection; without a seed the selection varies between calls. The result keeps
// the input order.
func Select(ids []uuid.UUID, opts Options) ([]uuid.UUID, error) {
	if err := ValidatePercentage(opts.Percentage); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []uuid.UUID{}, nil
	}
	if opts.Percentage == nil || *opts.Percentage == 100 {
		return slices.Clone(ids), nil
	}

	count := SampleCount(len(ids), *opts.Percentage)

	seed := time.Now().UnixNano()
	if opts.Seed != nil {
		seed = *opts.Seed
	}
	rng := rand.New(rand.NewSource(seed))

	picked := rng.Perm(len(ids))[:count]
	slices.Sort(picked)

	selected := make([]uuid.UUID, count)
	for i, idx := range picked {
		selected[i] = ids[idx]
	}
	return selected, nil
}
