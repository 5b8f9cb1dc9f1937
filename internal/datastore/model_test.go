package datastore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidStageTransition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		from  WorkflowStage
		to    WorkflowStage
		valid bool
	}{
		{"forward step", StageCaptured, StageProcessing, true},
		{"forward skip", StageCaptured, StageReviewed, true},
		{"same stage", StageProcessing, StageProcessing, false},
		{"backwards", StageReviewed, StageOrganized, false},
		{"processing can fail", StageProcessing, StageProcessingFailed, true},
		{"only processing can fail", StageOrganized, StageProcessingFailed, false},
		{"failed retries processing", StageProcessingFailed, StageProcessing, true},
		{"failed cannot jump ahead", StageProcessingFailed, StageOrganized, false},
		{"unknown stage", WorkflowStage("bogus"), StageProcessing, false},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.valid, ValidStageTransition(tc.from, tc.to))
		})
	}
}

func TestReviewStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, ReviewPending.Terminal())
	assert.True(t, ReviewApproved.Terminal())
	assert.True(t, ReviewRejected.Terminal())
	assert.True(t, ReviewOverridden.Terminal())

	assert.True(t, ReviewApproved.Allocatable())
	assert.True(t, ReviewOverridden.Allocatable())
	assert.False(t, ReviewRejected.Allocatable())
	assert.False(t, ReviewPending.Allocatable())
}

func TestEffectiveSpecies(t *testing.T) {
	t.Parallel()

	result := DetectionResult{SpeciesLabel: "Egretta garzetta"}
	assert.Equal(t, "Egretta garzetta", result.EffectiveSpecies())

	result.ReviewStatus = ReviewOverridden
	result.OverrideSpecies = "Egretta eulophotes"
	assert.Equal(t, "Egretta eulophotes", result.EffectiveSpecies())
}

func TestPeriodCountsScanValue(t *testing.T) {
	t.Parallel()

	counts := PeriodCounts{"2026-04": 3, "2026-05": 1}
	value, err := counts.Value()
	require.NoError(t, err)

	var loaded PeriodCounts
	require.NoError(t, loaded.Scan(value))
	assert.Equal(t, counts, loaded)

	var empty PeriodCounts
	require.NoError(t, empty.Scan(nil))
	assert.Empty(t, empty)

	assert.Equal(t, 4, counts.Total())
}

func TestPeriodKeys(t *testing.T) {
	t.Parallel()

	date := time.Date(2026, 4, 12, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2026-04", MonthKey(date))
	assert.Equal(t, "2026", YearKey(date))
}
