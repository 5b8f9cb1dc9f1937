package aggregation

import (
	"context"
	"time"

	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
)

// Verify records administrative sign-off that a counter's totals are trusted.
// The counter must exist. Any later allocation for the pair resets the flag.
func (e *Engine) Verify(ctx context.Context, siteID, species, verifier string) (*datastore.SpeciesSiteCounter, error) {
	if verifier == "" {
		return nil, errors.ValidationError("verifier must not be empty")
	}

	unlock := e.Lock(siteID, species)
	defer unlock()

	var counter *datastore.SpeciesSiteCounter
	err := e.ds.Transaction(func(tx datastore.Interface) error {
		var txErr error
		counter, txErr = tx.GetCounter(siteID, species)
		if txErr != nil {
			return txErr
		}

		now := time.Now()
		counter.Verified = true
		counter.VerifiedBy = verifier
		counter.VerifiedAt = &now

		swapped, txErr := tx.UpdateCounterCAS(counter)
		if txErr != nil {
			return txErr
		}
		if !swapped {
			return errors.New(errors.ErrAggregationConflict).
				Component("aggregation").
				Category(errors.CategoryConflict).
				Context("site_id", siteID).
				Context("species", species).
				Build()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.RecordVerification()
	}
	if e.logger != nil {
		e.logger.Info("counter verified",
			"site_id", siteID,
			"species", species,
			"verified_by", verifier)
	}

	return counter, nil
}

// Compensate corrects a wrong allocation without touching history: it appends
// a negative adjustment referencing the original allocation record and
// subtracts the record's contribution from the counter's totals and period
// maps. The observation count is left alone so the audit trail stays
// consistent with the number of contributing records. Each allocation can be
// compensated at most once.
func (e *Engine) Compensate(ctx context.Context, allocationRecordID uint, reason, adjustedBy string) (*datastore.SpeciesSiteCounter, error) {
	if reason == "" {
		return nil, errors.ValidationError("compensation reason must not be empty")
	}

	alloc, err := e.ds.GetAllocationRecord(allocationRecordID)
	if err != nil {
		return nil, err
	}

	unlock := e.Lock(alloc.SiteID, alloc.EffectiveSpecies)
	defer unlock()

	var counter *datastore.SpeciesSiteCounter
	err = e.ds.Transaction(func(tx datastore.Interface) error {
		// Checked under the key lock inside the transaction; the unique index
		// on the adjustment's allocation record is the backstop for writers
		// racing through different processes.
		existing, txErr := tx.ListCounterAdjustments(allocationRecordID)
		if txErr != nil {
			return txErr
		}
		if len(existing) > 0 {
			return errors.Newf("allocation record %d is already compensated", allocationRecordID).
				Component("aggregation").
				Category(errors.CategoryConflict).
				Context("allocation_record_id", allocationRecordID).
				Build()
		}

		adjustment := &datastore.CounterAdjustment{
			AllocationRecordID: allocationRecordID,
			SiteID:             alloc.SiteID,
			Species:            alloc.EffectiveSpecies,
			Delta:              -alloc.EffectiveCount,
			Reason:             reason,
			AdjustedBy:         adjustedBy,
			AdjustedAt:         time.Now(),
		}
		if txErr := tx.SaveCounterAdjustment(adjustment); txErr != nil {
			return txErr
		}

		counter, txErr = e.applyDelta(tx, alloc.SiteID, alloc.EffectiveSpecies, alloc.CensusDate,
			adjustment.Delta, false)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if e.logger != nil {
		e.logger.Info("allocation compensated",
			"allocation_record_id", allocationRecordID,
			"site_id", alloc.SiteID,
			"species", alloc.EffectiveSpecies,
			"delta", -alloc.EffectiveCount,
			"adjusted_by", adjustedBy)
	}

	return counter, nil
}
