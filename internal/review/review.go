// Package review implements the detection review state machine: pending
// results are approved, rejected or overridden exactly once, under a
// compare-and-swap that keeps concurrent reviewers from applying conflicting
// terminal transitions. Deferral changes nothing and only affects queue
// visibility.
package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability/metrics"
)

// Engine exposes the review operations over detection results.
type Engine struct {
	ds         datastore.Interface
	logger     *slog.Logger
	metrics    *metrics.PipelineMetrics
	batchLimit int
}

// New creates a review engine. Metrics may be nil.
func New(ds datastore.Interface, pipelineMetrics *metrics.PipelineMetrics, batchLimit int) *Engine {
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Engine{
		ds:         ds,
		logger:     logging.ForService("review"),
		metrics:    pipelineMetrics,
		batchLimit: batchLimit,
	}
}

// PendingQueue returns the reviewable queue: pending results that are the
// latest result of their image asset.
func (e *Engine) PendingQueue(ctx context.Context, limit, offset int) ([]datastore.DetectionResult, error) {
	if limit <= 0 {
		limit = 100
	}
	return e.ds.ListPendingReviews(limit, offset)
}

// Approve confirms the detected species label as correct.
func (e *Engine) Approve(ctx context.Context, resultID uint, reviewer string) (*datastore.DetectionResult, error) {
	return e.transition(resultID, datastore.ReviewApproved, reviewer, nil, "approve")
}

// Reject marks the detection as wrong; the result never reaches allocation.
func (e *Engine) Reject(ctx context.Context, resultID uint, reviewer string) (*datastore.DetectionResult, error) {
	return e.transition(resultID, datastore.ReviewRejected, reviewer, nil, "reject")
}

// Override approves the detection with a corrected species. Functionally
// equivalent to approval but records the correction and its reason.
func (e *Engine) Override(ctx context.Context, resultID uint, species, reason, reviewer string) (*datastore.DetectionResult, error) {
	if species == "" {
		e.recordReview("override", "invalid")
		return nil, errors.ValidationError("override species must not be empty")
	}

	result, err := e.ds.GetDetectionResult(resultID)
	if err != nil {
		return nil, err
	}
	if species == result.SpeciesLabel {
		e.recordReview("override", "invalid")
		return nil, errors.Newf("override species %q equals the detected label, approve instead", species).
			Component("review").
			Category(errors.CategoryValidation).
			Build()
	}

	updates := map[string]any{
		"override_species": species,
		"override_reason":  reason,
	}
	return e.transition(resultID, datastore.ReviewOverridden, reviewer, updates, "override")
}

// Defer returns a pending result to the queue untouched. It exists as a
// queue-visibility affordance: nothing is persisted, so deferred items need
// no migration back to pending. Deferring a terminal result fails like any
// other transition attempt on it.
func (e *Engine) Defer(ctx context.Context, resultID uint) (*datastore.DetectionResult, error) {
	result, err := e.ds.GetDetectionResult(resultID)
	if err != nil {
		return nil, err
	}
	if result.ReviewStatus.Terminal() {
		e.recordReview("defer", "invalid_transition")
		return result, e.invalidTransition(result)
	}

	e.recordReview("defer", "success")
	return result, nil
}

// transition applies a terminal review transition with CAS semantics.
func (e *Engine) transition(resultID uint, to datastore.ReviewStatus, reviewer string, updates map[string]any, action string) (*datastore.DetectionResult, error) {
	result, err := e.ds.GetDetectionResult(resultID)
	if err != nil {
		return nil, err
	}

	if result.ReviewStatus.Terminal() {
		e.recordReview(action, "invalid_transition")
		return result, e.invalidTransition(result)
	}

	latestID, err := e.ds.LatestDetectionResultID(result.ImageAssetID)
	if err != nil {
		return nil, err
	}
	if latestID != resultID {
		e.recordReview(action, "superseded")
		return result, errors.Newf("detection result %d is superseded by result %d", resultID, latestID).
			Component("review").
			Category(errors.CategoryValidation).
			Context("detection_result_id", resultID).
			Context("latest_result_id", latestID).
			Build()
	}

	now := time.Now()
	if updates == nil {
		updates = make(map[string]any)
	}
	updates["reviewed_by"] = reviewer
	updates["reviewed_at"] = &now

	swapped, err := e.ds.UpdateReviewStatusCAS(resultID, to, updates)
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost the race: another reviewer applied a terminal transition first.
		current, getErr := e.ds.GetDetectionResult(resultID)
		if getErr != nil {
			return nil, getErr
		}
		e.recordReview(action, "lost_race")
		return current, errors.New(errors.ErrAlreadyReviewed).
			Component("review").
			Category(errors.CategoryConflict).
			Context("detection_result_id", resultID).
			Context("current_status", string(current.ReviewStatus)).
			Build()
	}

	// Approval and override make the asset reviewed; rejection leaves it
	// organized. Stage bookkeeping must not fail the committed review.
	if to.Allocatable() {
		if _, stageErr := e.ds.AdvanceImageAssetStage(result.ImageAssetID, datastore.StageOrganized, datastore.StageReviewed); stageErr != nil && e.logger != nil {
			e.logger.Warn("failed to advance asset stage after review",
				"image_asset_id", result.ImageAssetID, "error", stageErr)
		}
	}

	updated, err := e.ds.GetDetectionResult(resultID)
	if err != nil {
		return nil, err
	}

	e.recordReview(action, "success")
	if e.logger != nil {
		e.logger.Info("review transition applied",
			"detection_result_id", resultID,
			"action", action,
			"reviewer", reviewer,
			"species", updated.EffectiveSpecies())
	}

	return updated, nil
}

// BatchAction identifies a bulk review operation.
type BatchAction string

const (
	BatchApprove BatchAction = "approve"
	BatchReject  BatchAction = "reject"
)

// BatchOutcome reports the per-id result of a batch operation.
type BatchOutcome struct {
	DetectionResultID uint
	Status            datastore.ReviewStatus
	Err               error
}

// Batch applies a terminal transition to each id independently. The batch
// partially succeeds: a failed item does not roll back items already applied,
// and the caller gets one outcome per id, in input order.
func (e *Engine) Batch(ctx context.Context, action BatchAction, ids []uint, reviewer string) ([]BatchOutcome, error) {
	if len(ids) == 0 {
		return nil, errors.ValidationError("batch requires at least one detection result id")
	}
	if len(ids) > e.batchLimit {
		return nil, errors.Newf("batch of %d exceeds limit %d", len(ids), e.batchLimit).
			Component("review").
			Category(errors.CategoryValidation).
			Build()
	}

	batchID := uuid.NewString()
	outcomes := make([]BatchOutcome, 0, len(ids))

	for _, id := range ids {
		var result *datastore.DetectionResult
		var err error

		switch action {
		case BatchApprove:
			result, err = e.Approve(ctx, id, reviewer)
		case BatchReject:
			result, err = e.Reject(ctx, id, reviewer)
		default:
			return nil, errors.Newf("unknown batch action %q", action).
				Component("review").
				Category(errors.CategoryValidation).
				Build()
		}

		outcome := BatchOutcome{DetectionResultID: id, Err: err}
		if result != nil {
			outcome.Status = result.ReviewStatus
		}
		outcomes = append(outcomes, outcome)
	}

	if e.logger != nil {
		failed := 0
		for i := range outcomes {
			if outcomes[i].Err != nil {
				failed++
			}
		}
		e.logger.Info("batch review completed",
			"batch_id", batchID,
			"action", string(action),
			"total", len(ids),
			"failed", failed)
	}

	return outcomes, nil
}

func (e *Engine) invalidTransition(result *datastore.DetectionResult) error {
	return errors.New(errors.ErrInvalidTransition).
		Component("review").
		Category(errors.CategoryState).
		Context("detection_result_id", result.ID).
		Context("current_status", string(result.ReviewStatus)).
		Build()
}

func (e *Engine) recordReview(action, status string) {
	if e.metrics != nil {
		e.metrics.RecordReview(action, status)
	}
}
