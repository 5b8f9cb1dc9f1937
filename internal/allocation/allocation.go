// Package allocation binds approved detection results to census sites and
// dates. Allocation and aggregation commit atomically: the counter update
// happens inside the allocation transaction, and an aggregation failure rolls
// the allocation back.
package allocation

import (
	"context"
	"log/slog"
	"time"

	"github.com/tphakala/birdcensus-go/internal/aggregation"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability/metrics"
	"github.com/tphakala/birdcensus-go/internal/siteregistry"
)

// Engine exposes the allocation operations.
type Engine struct {
	ds         datastore.Interface
	sites      siteregistry.Interface
	aggregator *aggregation.Engine
	logger     *slog.Logger
	metrics    *metrics.PipelineMetrics
}

// New creates an allocation engine. Metrics may be nil.
func New(ds datastore.Interface, sites siteregistry.Interface, aggregator *aggregation.Engine, pipelineMetrics *metrics.PipelineMetrics) *Engine {
	return &Engine{
		ds:         ds,
		sites:      sites,
		aggregator: aggregator,
		logger:     logging.ForService("allocation"),
		metrics:    pipelineMetrics,
	}
}

// Allocate creates the single allocation record for an approved or overridden
// detection result and folds it into the (site, species) counter in the same
// transaction.
func (e *Engine) Allocate(ctx context.Context, detectionResultID uint, siteID, censusDate, allocatedBy string) (*datastore.AllocationRecord, error) {
	result, err := e.ds.GetDetectionResult(detectionResultID)
	if err != nil {
		return nil, err
	}

	if !result.ReviewStatus.Allocatable() {
		e.recordAllocation("not_allocatable")
		return nil, errors.Newf("detection result %d has status %q, only approved or overridden results allocate", detectionResultID, result.ReviewStatus).
			Component("allocation").
			Category(errors.CategoryState).
			Context("detection_result_id", detectionResultID).
			Context("review_status", string(result.ReviewStatus)).
			Build()
	}

	latestID, err := e.ds.LatestDetectionResultID(result.ImageAssetID)
	if err != nil {
		return nil, err
	}
	if latestID != detectionResultID {
		e.recordAllocation("superseded")
		return nil, errors.Newf("detection result %d is superseded by result %d", detectionResultID, latestID).
			Component("allocation").
			Category(errors.CategoryValidation).
			Build()
	}

	if _, err := time.Parse(aggregation.CensusDateLayout, censusDate); err != nil {
		e.recordAllocation("invalid_date")
		return nil, errors.Newf("invalid census date %q: %v", censusDate, err).
			Component("allocation").
			Category(errors.CategoryValidation).
			Build()
	}

	exists, err := e.sites.SiteExists(ctx, siteID)
	if err != nil {
		return nil, err
	}
	if !exists {
		e.recordAllocation("invalid_site")
		return nil, errors.New(errors.ErrInvalidSite).
			Component("allocation").
			Category(errors.CategoryValidation).
			Context("site_id", siteID).
			Build()
	}

	// Fast-path check; the unique index on detection_result_id remains the
	// authoritative guard inside the transaction.
	if _, err := e.ds.GetAllocationByDetection(detectionResultID); err == nil {
		e.recordAllocation("already_allocated")
		return nil, e.alreadyAllocated(detectionResultID)
	} else if !errors.IsNotFound(err) {
		return nil, err
	}

	record := &datastore.AllocationRecord{
		DetectionResultID: detectionResultID,
		SiteID:            siteID,
		CensusDate:        censusDate,
		EffectiveSpecies:  result.EffectiveSpecies(),
		EffectiveCount:    result.InstanceCount,
		AllocatedBy:       allocatedBy,
		AllocatedAt:       time.Now(),
	}

	// The key lock spans the whole transaction so counter updates for one
	// (site, species) pair apply in allocation-commit order.
	unlock := e.aggregator.Lock(record.SiteID, record.EffectiveSpecies)
	defer unlock()

	err = e.ds.Transaction(func(tx datastore.Interface) error {
		if txErr := tx.SaveAllocationRecord(record); txErr != nil {
			return txErr
		}

		asset, txErr := tx.GetImageAsset(result.ImageAssetID)
		if txErr != nil {
			return txErr
		}
		if datastore.ValidStageTransition(asset.WorkflowStage, datastore.StageAllocated) {
			if _, txErr := tx.AdvanceImageAssetStage(asset.ID, asset.WorkflowStage, datastore.StageAllocated); txErr != nil {
				return txErr
			}
		}

		_, txErr = e.aggregator.ApplyInTx(tx, record)
		return txErr
	})
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyAllocated) {
			e.recordAllocation("already_allocated")
		} else {
			e.recordAllocation("error")
		}
		return nil, err
	}

	e.recordAllocation("success")
	if e.logger != nil {
		e.logger.Info("detection allocated",
			"detection_result_id", detectionResultID,
			"allocation_record_id", record.ID,
			"site_id", siteID,
			"census_date", censusDate,
			"species", record.EffectiveSpecies,
			"count", record.EffectiveCount,
			"allocated_by", allocatedBy)
	}

	return record, nil
}

// Skip leaves an approved result unallocated. Nothing is persisted; the
// result re-surfaces in ListUnallocated until someone allocates it.
func (e *Engine) Skip(ctx context.Context, detectionResultID uint) (*datastore.DetectionResult, error) {
	result, err := e.ds.GetDetectionResult(detectionResultID)
	if err != nil {
		return nil, err
	}
	if !result.ReviewStatus.Allocatable() {
		return result, errors.Newf("detection result %d has status %q and is not in the allocation queue", detectionResultID, result.ReviewStatus).
			Component("allocation").
			Category(errors.CategoryState).
			Build()
	}
	return result, nil
}

// ListUnallocated returns approved or overridden results that have no
// allocation record yet.
func (e *Engine) ListUnallocated(ctx context.Context, limit, offset int) ([]datastore.DetectionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.ds.ListApprovedUnallocated(limit, offset)
}

func (e *Engine) alreadyAllocated(detectionResultID uint) error {
	return errors.New(errors.ErrAlreadyAllocated).
		Component("allocation").
		Category(errors.CategoryConflict).
		Context("detection_result_id", detectionResultID).
		Build()
}

func (e *Engine) recordAllocation(status string) {
	if e.metrics != nil {
		e.metrics.RecordAllocation(status)
	}
}
