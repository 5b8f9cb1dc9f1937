package aggregation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func createDatabase(t *testing.T) datastore.Interface {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"

	ds := datastore.New(settings)
	require.NoError(t, ds.Open(), "Failed to open database")
	t.Cleanup(func() {
		assert.NoError(t, ds.Close(), "Failed to close datastore")
	})
	return ds
}

// createAllocation persists a detection result plus its allocation record so
// compensation has a real row to reference.
func createAllocation(t *testing.T, ds datastore.Interface, siteID, species, censusDate string, count int) *datastore.AllocationRecord {
	t.Helper()
	asset := &datastore.ImageAsset{UploadedAt: time.Now(), WorkflowStage: datastore.StageReviewed}
	require.NoError(t, ds.SaveImageAsset(asset))

	result := &datastore.DetectionResult{
		ImageAssetID:  asset.ID,
		SpeciesLabel:  species,
		InstanceCount: count,
		ProcessedAt:   time.Now(),
		ReviewStatus:  datastore.ReviewApproved,
	}
	require.NoError(t, ds.SaveDetectionResult(result))

	record := &datastore.AllocationRecord{
		DetectionResultID: result.ID,
		SiteID:            siteID,
		CensusDate:        censusDate,
		EffectiveSpecies:  species,
		EffectiveCount:    count,
		AllocatedBy:       "tester",
		AllocatedAt:       time.Now(),
	}
	require.NoError(t, ds.SaveAllocationRecord(record))
	return record
}

func TestApplyCreatesCounterLazily(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 3)
	counter, err := engine.Apply(context.Background(), alloc)
	require.NoError(t, err)

	assert.Equal(t, 3, counter.TotalCount)
	assert.Equal(t, 1, counter.ObservationCount)
	assert.Equal(t, "2026-04-12", counter.LastObservationDate)
	assert.Equal(t, datastore.PeriodCounts{"2026-04": 3}, counter.MonthlyCounts)
	assert.Equal(t, datastore.PeriodCounts{"2026": 3}, counter.YearlyCounts)
	assert.False(t, counter.Verified)
}

func TestApplyAccumulatesAcrossPeriods(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	dates := map[string]int{
		"2026-04-12": 2,
		"2026-04-20": 1,
		"2026-05-03": 4,
		"2025-12-30": 5,
	}
	for date, count := range dates {
		alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", date, count)
		_, err := engine.Apply(context.Background(), alloc)
		require.NoError(t, err)
	}

	counter, err := engine.GetCounter(context.Background(), "site-1", "Egretta garzetta")
	require.NoError(t, err)

	assert.Equal(t, 12, counter.TotalCount)
	assert.Equal(t, 4, counter.ObservationCount)
	assert.Equal(t, "2026-05-03", counter.LastObservationDate)
	assert.Equal(t, datastore.PeriodCounts{"2026-04": 3, "2026-05": 4, "2025-12": 5}, counter.MonthlyCounts)
	assert.Equal(t, datastore.PeriodCounts{"2026": 7, "2025": 5}, counter.YearlyCounts)

	// Period breakdowns always sum to the running total.
	assert.Equal(t, counter.TotalCount, counter.MonthlyCounts.Total())
	assert.Equal(t, counter.TotalCount, counter.YearlyCounts.Total())
}

func TestApplyRejectsInvalidDate(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := &datastore.AllocationRecord{
		SiteID:           "site-1",
		CensusDate:       "12.04.2026",
		EffectiveSpecies: "Egretta garzetta",
		EffectiveCount:   1,
	}
	_, err := engine.Apply(context.Background(), alloc)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestConcurrentApplyConservesCounts(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 10, time.Millisecond)

	const n = 16
	allocs := make([]*datastore.AllocationRecord, n)
	for i := 0; i < n; i++ {
		allocs[i] = createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 1)
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, err := engine.Apply(context.Background(), allocs[i])
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	counter, err := engine.GetCounter(context.Background(), "site-1", "Egretta garzetta")
	require.NoError(t, err)
	assert.Equal(t, n, counter.TotalCount, "no allocation may be lost or double counted")
	assert.Equal(t, n, counter.ObservationCount)
	assert.Equal(t, datastore.PeriodCounts{"2026-04": n}, counter.MonthlyCounts)
}

func TestVerify(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 2)
	_, err := engine.Apply(context.Background(), alloc)
	require.NoError(t, err)

	counter, err := engine.Verify(context.Background(), "site-1", "Egretta garzetta", "warden")
	require.NoError(t, err)
	assert.True(t, counter.Verified)
	assert.Equal(t, "warden", counter.VerifiedBy)
	require.NotNil(t, counter.VerifiedAt)

	_, err = engine.Verify(context.Background(), "site-1", "Egretta garzetta", "")
	require.Error(t, err)

	_, err = engine.Verify(context.Background(), "site-9", "Egretta garzetta", "warden")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLaterAllocationResetsVerification(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	first := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 2)
	_, err := engine.Apply(context.Background(), first)
	require.NoError(t, err)

	_, err = engine.Verify(context.Background(), "site-1", "Egretta garzetta", "warden")
	require.NoError(t, err)

	second := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-13", 1)
	counter, err := engine.Apply(context.Background(), second)
	require.NoError(t, err)

	assert.False(t, counter.Verified, "new contributions invalidate the sign-off")
	assert.Empty(t, counter.VerifiedBy)
	assert.Nil(t, counter.VerifiedAt)
	assert.Equal(t, 3, counter.TotalCount)
}

func TestCompensate(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	keep := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 2)
	wrong := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-13", 3)
	for _, alloc := range []*datastore.AllocationRecord{keep, wrong} {
		_, err := engine.Apply(context.Background(), alloc)
		require.NoError(t, err)
	}

	counter, err := engine.Compensate(context.Background(), wrong.ID, "double counted flock", "warden")
	require.NoError(t, err)

	// Totals and period maps are corrected, the observation trail is not.
	assert.Equal(t, 2, counter.TotalCount)
	assert.Equal(t, 2, counter.ObservationCount)
	assert.Equal(t, datastore.PeriodCounts{"2026-04": 2}, counter.MonthlyCounts)
	assert.Equal(t, datastore.PeriodCounts{"2026": 2}, counter.YearlyCounts)

	// The original allocation record is untouched.
	record, err := ds.GetAllocationRecord(wrong.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, record.EffectiveCount)

	adjustments, err := ds.ListCounterAdjustments(wrong.ID)
	require.NoError(t, err)
	require.Len(t, adjustments, 1)
	assert.Equal(t, -3, adjustments[0].Delta)
	assert.Equal(t, "double counted flock", adjustments[0].Reason)
}

func TestCompensateGuards(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 2)
	_, err := engine.Apply(context.Background(), alloc)
	require.NoError(t, err)

	_, err = engine.Compensate(context.Background(), alloc.ID, "", "warden")
	require.Error(t, err, "reason is mandatory")

	_, err = engine.Compensate(context.Background(), 99999, "mistake", "warden")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))

	_, err = engine.Compensate(context.Background(), alloc.ID, "mistake", "warden")
	require.NoError(t, err)

	// A second compensation of the same allocation must be refused.
	_, err = engine.Compensate(context.Background(), alloc.ID, "again", "warden")
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConflict))
}

func TestConcurrentCompensationAppliesOnce(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 3)
	_, err := engine.Apply(context.Background(), alloc)
	require.NoError(t, err)

	// Hold the key lock so both compensations queue up on it before either
	// one can read the adjustment table.
	unlock := engine.Lock("site-1", "Egretta garzetta")

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := engine.Compensate(context.Background(), alloc.ID, "wrong species", "warden")
			results <- err
		}()
	}

	time.Sleep(50 * time.Millisecond)
	unlock()

	succeeded := 0
	for i := 0; i < 2; i++ {
		if err := <-results; err == nil {
			succeeded++
		} else {
			assert.True(t, errors.IsCategory(err, errors.CategoryConflict),
				"loser must see a conflict, got %v", err)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one compensation must win")

	counter, err := ds.GetCounter("site-1", "Egretta garzetta")
	require.NoError(t, err)
	assert.Equal(t, 0, counter.TotalCount, "the delta must be subtracted exactly once")
	assert.Equal(t, 1, counter.ObservationCount)

	adjustments, err := ds.ListCounterAdjustments(alloc.ID)
	require.NoError(t, err)
	assert.Len(t, adjustments, 1)
}

func TestCompensateResetsVerification(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 5, time.Millisecond)

	alloc := createAllocation(t, ds, "site-1", "Egretta garzetta", "2026-04-12", 2)
	_, err := engine.Apply(context.Background(), alloc)
	require.NoError(t, err)

	_, err = engine.Verify(context.Background(), "site-1", "Egretta garzetta", "warden")
	require.NoError(t, err)

	counter, err := engine.Compensate(context.Background(), alloc.ID, "misidentified", "warden")
	require.NoError(t, err)
	assert.False(t, counter.Verified)
}

func TestKeyedLockSerializesSameKeyOnly(t *testing.T) {
	t.Parallel()

	engine := New(createDatabase(t), nil, 5, time.Millisecond)

	unlock := engine.Lock("site-1", "Egretta garzetta")

	acquired := make(chan string, 2)
	go func() {
		u := engine.Lock("site-2", "Egretta garzetta")
		acquired <- "other-key"
		u()
	}()
	go func() {
		u := engine.Lock("site-1", "Egretta garzetta")
		acquired <- "same-key"
		u()
	}()

	select {
	case got := <-acquired:
		require.Equal(t, "other-key", got, "a different pair must not block")
	case <-time.After(2 * time.Second):
		t.Fatal("different key was blocked by an unrelated lock")
	}

	unlock()
	select {
	case got := <-acquired:
		assert.Equal(t, "same-key", got)
	case <-time.After(2 * time.Second):
		t.Fatal("same key never acquired after unlock")
	}
}

func TestDistinctPairsDoNotContend(t *testing.T) {
	t.Parallel()

	ds := createDatabase(t)
	engine := New(ds, nil, 10, time.Millisecond)

	const sites = 4
	var wg sync.WaitGroup
	wg.Add(sites)
	for i := 0; i < sites; i++ {
		siteID := fmt.Sprintf("site-%d", i)
		alloc := createAllocation(t, ds, siteID, "Egretta garzetta", "2026-04-12", 1)
		go func() {
			defer wg.Done()
			_, err := engine.Apply(context.Background(), alloc)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	for i := 0; i < sites; i++ {
		counter, err := engine.GetCounter(context.Background(), fmt.Sprintf("site-%d", i), "Egretta garzetta")
		require.NoError(t, err)
		assert.Equal(t, 1, counter.TotalCount)
	}
}
