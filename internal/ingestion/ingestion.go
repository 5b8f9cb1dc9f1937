// Package ingestion implements detection ingestion: one classifier run per
// submitted image, producing a pending detection result or a retryable
// processing failure.
package ingestion

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/birdcensus-go/internal/classifier"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability/metrics"
)

// Service drives images through classification into reviewable detection
// results.
type Service struct {
	ds         datastore.Interface
	classifier classifier.Interface
	logger     *slog.Logger
	metrics    *metrics.PipelineMetrics
}

// New creates an ingestion service. Metrics may be nil.
func New(ds datastore.Interface, cls classifier.Interface, pipelineMetrics *metrics.PipelineMetrics) *Service {
	return &Service{
		ds:         ds,
		classifier: cls,
		logger:     logging.ForService("ingestion"),
		metrics:    pipelineMetrics,
	}
}

// Submit runs the classifier on an image asset and records the outcome.
//
// The asset must be in the captured or processing_failed stage; the
// conditional stage update to processing guarantees no two classifications
// are in flight for the same asset. On classifier failure the asset moves to
// processing_failed and stays there until manually resubmitted.
func (s *Service) Submit(ctx context.Context, imageAssetID uint, image []byte) (*datastore.DetectionResult, error) {
	correlationID := uuid.NewString()

	asset, err := s.ds.GetImageAsset(imageAssetID)
	if err != nil {
		return nil, err
	}

	from := asset.WorkflowStage
	if from != datastore.StageCaptured && from != datastore.StageProcessingFailed {
		s.recordSubmission("rejected")
		return nil, s.stateError(imageAssetID, from)
	}

	moved, err := s.ds.AdvanceImageAssetStage(imageAssetID, from, datastore.StageProcessing)
	if err != nil {
		return nil, err
	}
	if !moved {
		// Another submission won the stage transition.
		s.recordSubmission("rejected")
		return nil, s.stateError(imageAssetID, datastore.StageProcessing)
	}

	start := time.Now()
	classification, err := s.classifier.Classify(ctx, image)
	if s.metrics != nil {
		s.metrics.ObserveClassifierDuration(time.Since(start).Seconds())
	}
	if err != nil {
		if _, stageErr := s.ds.AdvanceImageAssetStage(imageAssetID, datastore.StageProcessing, datastore.StageProcessingFailed); stageErr != nil {
			err = errors.Join(err, stageErr)
		}
		s.recordSubmission("classification_error")
		if s.logger != nil {
			s.logger.Warn("submission failed",
				"correlation_id", correlationID,
				"image_asset_id", imageAssetID,
				"error", err)
		}
		return nil, err
	}

	result := &datastore.DetectionResult{
		ImageAssetID:  imageAssetID,
		SpeciesLabel:  classification.SpeciesLabel,
		Confidence:    classification.Confidence,
		BoxX:          classification.BoundingBox.X,
		BoxY:          classification.BoundingBox.Y,
		BoxWidth:      classification.BoundingBox.Width,
		BoxHeight:     classification.BoundingBox.Height,
		InstanceCount: classification.InstanceCount,
		ModelVersion:  classification.ModelVersion,
		ProcessedAt:   time.Now(),
		ReviewStatus:  datastore.ReviewPending,
	}

	// The result insert and the stage advance commit together. A failure of
	// either rolls both back, after which the asset is parked in
	// processing_failed so it stays resubmittable.
	err = s.ds.Transaction(func(tx datastore.Interface) error {
		if txErr := tx.SaveDetectionResult(result); txErr != nil {
			return txErr
		}
		moved, txErr := tx.AdvanceImageAssetStage(imageAssetID, datastore.StageProcessing, datastore.StageOrganized)
		if txErr != nil {
			return txErr
		}
		if !moved {
			return s.stateError(imageAssetID, datastore.StageProcessing)
		}
		return nil
	})
	if err != nil {
		if _, stageErr := s.ds.AdvanceImageAssetStage(imageAssetID, datastore.StageProcessing, datastore.StageProcessingFailed); stageErr != nil {
			err = errors.Join(err, stageErr)
		}
		s.recordSubmission("error")
		return nil, err
	}

	s.recordSubmission("success")
	if s.logger != nil {
		s.logger.Info("detection ingested",
			"correlation_id", correlationID,
			"image_asset_id", imageAssetID,
			"detection_result_id", result.ID,
			"species", result.SpeciesLabel,
			"confidence", result.Confidence,
			"instances", result.InstanceCount)
	}

	return result, nil
}

// BatchItem is one image submission in a batch.
type BatchItem struct {
	ImageAssetID uint
	Image        []byte
}

// BatchOutcome reports the per-item result of a batch submission.
type BatchOutcome struct {
	ImageAssetID uint
	Result       *datastore.DetectionResult
	Err          error
}

// SubmitBatch classifies a set of images with bounded concurrency. Items fail
// independently; the returned slice has one outcome per input, in input order.
func (s *Service) SubmitBatch(ctx context.Context, items []BatchItem, concurrency int) []BatchOutcome {
	if concurrency < 1 {
		concurrency = 1
	}

	outcomes := make([]BatchOutcome, len(items))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			result, err := s.Submit(ctx, item.ImageAssetID, item.Image)
			outcomes[i] = BatchOutcome{ImageAssetID: item.ImageAssetID, Result: result, Err: err}
			// Submissions fail independently; never cancel the group.
			return nil
		})
	}

	// The group never returns an error, but Wait still synchronizes completion.
	_ = g.Wait()

	return outcomes
}

func (s *Service) recordSubmission(status string) {
	if s.metrics != nil {
		s.metrics.RecordSubmission(status)
	}
}

func (s *Service) stateError(imageAssetID uint, stage datastore.WorkflowStage) error {
	return errors.Newf("image asset %d is not submittable in stage %q", imageAssetID, stage).
		Component("ingestion").
		Category(errors.CategoryState).
		Context("image_asset_id", imageAssetID).
		Context("workflow_stage", string(stage)).
		Build()
}
