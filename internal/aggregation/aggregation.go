// Package aggregation folds allocation records into per-(site, species)
// running counters with monthly and yearly breakdowns. Updates to the same
// pair serialize behind a per-key lock and an optimistic version check;
// different pairs proceed fully in parallel.
package aggregation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability/metrics"
)

// CensusDateLayout is the wire format of census dates.
const CensusDateLayout = "2006-01-02"

// keyedMutex hands out one mutex per (site, species) key.
type keyedMutex struct {
	locks sync.Map
}

// lock acquires the mutex for key and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	value, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Engine maintains species site counters.
type Engine struct {
	ds           datastore.Interface
	logger       *slog.Logger
	metrics      *metrics.PipelineMetrics
	maxRetries   int
	retryBackoff time.Duration
	keys         keyedMutex
}

// New creates an aggregation engine. Metrics may be nil.
func New(ds datastore.Interface, pipelineMetrics *metrics.PipelineMetrics, maxRetries int, retryBackoff time.Duration) *Engine {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if retryBackoff <= 0 {
		retryBackoff = 10 * time.Millisecond
	}
	return &Engine{
		ds:           ds,
		logger:       logging.ForService("aggregation"),
		metrics:      pipelineMetrics,
		maxRetries:   maxRetries,
		retryBackoff: retryBackoff,
	}
}

// Lock serializes counter updates for one (site, species) pair. The caller
// holds the lock across the whole allocation transaction so aggregation
// updates apply in allocation-commit order per key.
func (e *Engine) Lock(siteID, species string) (unlock func()) {
	return e.keys.lock(siteID + "\x00" + species)
}

// Apply folds one allocation record into its counter inside its own
// transaction. The allocation engine instead calls ApplyInTx within the
// allocation transaction; Apply exists for callers outside that path.
func (e *Engine) Apply(ctx context.Context, alloc *datastore.AllocationRecord) (*datastore.SpeciesSiteCounter, error) {
	unlock := e.Lock(alloc.SiteID, alloc.EffectiveSpecies)
	defer unlock()

	var counter *datastore.SpeciesSiteCounter
	err := e.ds.Transaction(func(tx datastore.Interface) error {
		var txErr error
		counter, txErr = e.ApplyInTx(tx, alloc)
		return txErr
	})
	return counter, err
}

// ApplyInTx folds one allocation record into its counter using the given
// transaction handle. The caller must hold the key lock for the pair.
func (e *Engine) ApplyInTx(tx datastore.Interface, alloc *datastore.AllocationRecord) (*datastore.SpeciesSiteCounter, error) {
	start := time.Now()
	counter, err := e.applyDelta(tx, alloc.SiteID, alloc.EffectiveSpecies, alloc.CensusDate,
		alloc.EffectiveCount, true)
	if e.metrics != nil {
		e.metrics.ObserveAggregationApply(time.Since(start).Seconds())
	}
	if err != nil {
		return nil, err
	}

	if e.logger != nil {
		e.logger.Info("allocation aggregated",
			"site_id", alloc.SiteID,
			"species", alloc.EffectiveSpecies,
			"census_date", alloc.CensusDate,
			"count", alloc.EffectiveCount,
			"total", counter.TotalCount)
	}
	return counter, nil
}

// applyDelta performs the upsert and read-modify-write of the counter.
// countObservation is true for allocations (which contribute an observation)
// and false for compensating adjustments (which only correct totals).
func (e *Engine) applyDelta(tx datastore.Interface, siteID, species, censusDate string, delta int, countObservation bool) (*datastore.SpeciesSiteCounter, error) {
	date, err := time.Parse(CensusDateLayout, censusDate)
	if err != nil {
		return nil, errors.Newf("invalid census date %q: %v", censusDate, err).
			Component("aggregation").
			Category(errors.CategoryValidation).
			Build()
	}
	monthKey := datastore.MonthKey(date)
	yearKey := datastore.YearKey(date)

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.RecordAggregationRetry()
			}
			time.Sleep(e.retryBackoff << (attempt - 1))
		}

		counter, err := tx.GetCounter(siteID, species)
		switch {
		case errors.IsNotFound(err):
			// Lazily create the pair with zeroed counters. A duplicate-key
			// conflict means a concurrent writer created it; re-read and retry.
			counter = &datastore.SpeciesSiteCounter{
				SiteID:        siteID,
				Species:       species,
				MonthlyCounts: datastore.PeriodCounts{},
				YearlyCounts:  datastore.PeriodCounts{},
			}
			if createErr := tx.CreateCounter(counter); createErr != nil {
				if errors.Is(createErr, errors.ErrAggregationConflict) {
					continue
				}
				return nil, createErr
			}
		case err != nil:
			return nil, err
		}

		if counter.MonthlyCounts == nil {
			counter.MonthlyCounts = datastore.PeriodCounts{}
		}
		if counter.YearlyCounts == nil {
			counter.YearlyCounts = datastore.PeriodCounts{}
		}

		counter.TotalCount += delta
		counter.MonthlyCounts.Add(monthKey, delta)
		counter.YearlyCounts.Add(yearKey, delta)
		if countObservation {
			counter.ObservationCount++
			if censusDate > counter.LastObservationDate {
				counter.LastObservationDate = censusDate
			}
		}

		// Any contributing change invalidates prior verification; the totals
		// must be re-reviewed.
		counter.Verified = false
		counter.VerifiedBy = ""
		counter.VerifiedAt = nil

		swapped, err := tx.UpdateCounterCAS(counter)
		if err != nil {
			return nil, err
		}
		if swapped {
			return counter, nil
		}
	}

	if e.metrics != nil {
		e.metrics.RecordAggregationConflict()
	}
	return nil, errors.New(errors.ErrAggregationConflict).
		Component("aggregation").
		Category(errors.CategoryConflict).
		Context("site_id", siteID).
		Context("species", species).
		Context("retries", e.maxRetries).
		Build()
}

// GetCounter returns the counter for a (site, species) pair.
func (e *Engine) GetCounter(ctx context.Context, siteID, species string) (*datastore.SpeciesSiteCounter, error) {
	return e.ds.GetCounter(siteID, species)
}

// ListCounters returns counters filtered by site and verification state.
func (e *Engine) ListCounters(ctx context.Context, siteID string, verified *bool) ([]datastore.SpeciesSiteCounter, error) {
	return e.ds.ListCounters(siteID, verified)
}
