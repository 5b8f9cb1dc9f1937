package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/ingestion"
)

// IngestOptions controls a file ingestion run.
type IngestOptions struct {
	Owner       string
	SiteHint    string
	Concurrency int
}

// IngestFiles registers each image file as a captured asset and submits the
// batch for classification. Files fail independently; the error summarizes
// how many failed.
func IngestFiles(settings *conf.Settings, paths []string, opts IngestOptions) error {
	if len(paths) == 0 {
		return fmt.Errorf("no input files given")
	}

	components, err := Build(settings)
	if err != nil {
		return err
	}
	defer components.Close()

	items := make([]ingestion.BatchItem, 0, len(paths))
	for _, path := range paths {
		image, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}

		asset := &datastore.ImageAsset{
			Owner:            opts.Owner,
			UploadedAt:       time.Now(),
			OriginalFilename: filepath.Base(path),
			Size:             int64(len(image)),
			SiteHint:         opts.SiteHint,
			WorkflowStage:    datastore.StageCaptured,
		}
		if err := components.DS.SaveImageAsset(asset); err != nil {
			return fmt.Errorf("failed to register %s: %w", path, err)
		}

		items = append(items, ingestion.BatchItem{
			ImageAssetID: asset.ID,
			Image:        image,
		})
	}

	outcomes := components.Ingestion.SubmitBatch(context.Background(), items, opts.Concurrency)

	logger := components.Logger()
	failed := 0
	for i, outcome := range outcomes {
		if outcome.Err != nil {
			failed++
			if logger != nil {
				logger.Error("classification failed",
					"file", paths[i],
					"image_asset_id", outcome.ImageAssetID,
					"code", errors.Code(outcome.Err),
					"error", outcome.Err)
			}
			continue
		}
		if logger != nil {
			logger.Info("detection recorded",
				"file", paths[i],
				"image_asset_id", outcome.ImageAssetID,
				"detection_id", outcome.Result.ID,
				"species", outcome.Result.SpeciesLabel,
				"confidence", outcome.Result.Confidence,
				"instances", outcome.Result.InstanceCount)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed classification", failed, len(paths))
	}
	return nil
}
