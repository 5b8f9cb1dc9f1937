// interfaces.go: this code defines the interface for the database operations
package datastore

import (
	"log"
	"os"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/errors"
)

// Interface abstracts the underlying database implementation and defines the
// operations the pipeline engines need.
type Interface interface {
	// Transaction runs fn inside a single database transaction. The allocation
	// engine uses this so allocation and aggregation commit or roll back as one.
	Transaction(fn func(tx Interface) error) error

	// image assets
	SaveImageAsset(asset *ImageAsset) error
	GetImageAsset(id uint) (*ImageAsset, error)
	AdvanceImageAssetStage(id uint, from, to WorkflowStage) (bool, error)

	// detection results
	SaveDetectionResult(result *DetectionResult) error
	GetDetectionResult(id uint) (*DetectionResult, error)
	LatestDetectionResultID(imageAssetID uint) (uint, error)
	UpdateReviewStatusCAS(id uint, to ReviewStatus, updates map[string]any) (bool, error)
	ListPendingReviews(limit, offset int) ([]DetectionResult, error)
	ListApprovedUnallocated(limit, offset int) ([]DetectionResult, error)

	// allocation records
	SaveAllocationRecord(record *AllocationRecord) error
	GetAllocationRecord(id uint) (*AllocationRecord, error)
	GetAllocationByDetection(detectionResultID uint) (*AllocationRecord, error)

	// counter adjustments
	SaveCounterAdjustment(adjustment *CounterAdjustment) error
	ListCounterAdjustments(allocationRecordID uint) ([]CounterAdjustment, error)

	// census sites
	SaveCensusSite(site *CensusSite) error
	GetCensusSite(siteID string) (*CensusSite, error)
	CensusSiteExists(siteID string) (bool, error)

	// species site counters
	CreateCounter(counter *SpeciesSiteCounter) error
	GetCounter(siteID, species string) (*SpeciesSiteCounter, error)
	ListCounters(siteID string, verified *bool) ([]SpeciesSiteCounter, error)
	UpdateCounterCAS(counter *SpeciesSiteCounter) (bool, error)
}

// Store is a datastore with an owned connection. The composition root opens
// and closes it; everything else sees only Interface.
type Store interface {
	Interface
	Open() error
	Close() error
}

// DataStore implements the query surface of Interface using a GORM database.
type DataStore struct {
	DB *gorm.DB // GORM database instance
}

// New creates a new datastore instance based on the provided configuration.
func New(settings *conf.Settings) Store {
	switch {
	case settings.Output.SQLite.Enabled:
		return &SQLiteStore{
			Settings: settings,
		}
	case settings.Output.MySQL.Enabled:
		return &MySQLStore{
			Settings: settings,
		}
	default:
		return nil
	}
}

// Transaction runs fn within a database transaction, exposing a DataStore
// bound to the transaction handle.
func (ds *DataStore) Transaction(fn func(tx Interface) error) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		return fn(&DataStore{DB: tx})
	})
}

// SaveImageAsset creates or updates an image asset.
func (ds *DataStore) SaveImageAsset(asset *ImageAsset) error {
	if err := ds.DB.Save(asset).Error; err != nil {
		return dbError(err, "save_image_asset", errors.PriorityMedium, "asset_id", asset.ID)
	}
	return nil
}

// GetImageAsset retrieves an image asset by its ID.
func (ds *DataStore) GetImageAsset(id uint) (*ImageAsset, error) {
	var asset ImageAsset
	if err := ds.DB.First(&asset, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("image asset", id)
		}
		return nil, dbError(err, "get_image_asset", errors.PriorityMedium, "asset_id", id)
	}
	return &asset, nil
}

// AdvanceImageAssetStage moves an asset's workflow stage with a conditional
// update: the write only happens while the asset is still in the expected
// stage. Returns false when the asset has moved on, so no two submissions can
// be in flight for the same asset.
func (ds *DataStore) AdvanceImageAssetStage(id uint, from, to WorkflowStage) (bool, error) {
	if !ValidStageTransition(from, to) {
		return false, validationError("invalid workflow stage transition", "workflow_stage",
			string(from)+" -> "+string(to))
	}

	result := ds.DB.Model(&ImageAsset{}).
		Where("id = ? AND workflow_stage = ?", id, from).
		Update("workflow_stage", to)
	if result.Error != nil {
		return false, dbError(result.Error, "advance_image_asset_stage", errors.PriorityHigh,
			"asset_id", id, "from", string(from), "to", string(to))
	}
	return result.RowsAffected == 1, nil
}

// SaveDetectionResult creates a detection result row.
func (ds *DataStore) SaveDetectionResult(result *DetectionResult) error {
	if err := ds.DB.Create(result).Error; err != nil {
		return dbError(err, "save_detection_result", errors.PriorityMedium,
			"image_asset_id", result.ImageAssetID)
	}
	return nil
}

// GetDetectionResult retrieves a detection result by its ID.
func (ds *DataStore) GetDetectionResult(id uint) (*DetectionResult, error) {
	var result DetectionResult
	if err := ds.DB.First(&result, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("detection result", id)
		}
		return nil, dbError(err, "get_detection_result", errors.PriorityMedium, "result_id", id)
	}
	return &result, nil
}

// LatestDetectionResultID returns the ID of the most recently created
// detection result for an image asset. Only that result is eligible for
// review and allocation; older results are immutable history.
func (ds *DataStore) LatestDetectionResultID(imageAssetID uint) (uint, error) {
	var maxID uint
	err := ds.DB.Model(&DetectionResult{}).
		Where("image_asset_id = ?", imageAssetID).
		Select("COALESCE(MAX(id), 0)").
		Scan(&maxID).Error
	if err != nil {
		return 0, dbError(err, "latest_detection_result", errors.PriorityMedium,
			"image_asset_id", imageAssetID)
	}
	if maxID == 0 {
		return 0, notFoundError("detection result for image asset", imageAssetID)
	}
	return maxID, nil
}

// UpdateReviewStatusCAS applies a review transition with compare-and-swap
// semantics: the row is updated only while its status is still pending.
// Returns false when the swap was lost to a concurrent reviewer.
func (ds *DataStore) UpdateReviewStatusCAS(id uint, to ReviewStatus, updates map[string]any) (bool, error) {
	if updates == nil {
		updates = make(map[string]any)
	}
	updates["review_status"] = to

	result := ds.DB.Model(&DetectionResult{}).
		Where("id = ? AND review_status = ?", id, ReviewPending).
		Updates(updates)
	if result.Error != nil {
		return false, dbError(result.Error, "update_review_status", errors.PriorityHigh,
			"result_id", id, "to", string(to))
	}
	return result.RowsAffected == 1, nil
}

// latestResultCondition restricts a detection result query to the most recent
// result per image asset.
const latestResultCondition = "detection_results.id = (SELECT MAX(dr.id) FROM detection_results dr WHERE dr.image_asset_id = detection_results.image_asset_id)"

// ListPendingReviews returns the reviewable queue: pending detection results
// that are the latest result of their asset. Deferred items reappear here
// because deferral persists nothing.
func (ds *DataStore) ListPendingReviews(limit, offset int) ([]DetectionResult, error) {
	var results []DetectionResult
	err := ds.DB.Where("review_status = ?", ReviewPending).
		Where(latestResultCondition).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&results).Error
	if err != nil {
		return nil, dbError(err, "list_pending_reviews", errors.PriorityMedium)
	}
	return results, nil
}

// ListApprovedUnallocated returns approved or overridden results that have no
// allocation record yet. Skipped allocations re-surface here.
func (ds *DataStore) ListApprovedUnallocated(limit, offset int) ([]DetectionResult, error) {
	var results []DetectionResult
	err := ds.DB.Where("review_status IN ?", []ReviewStatus{ReviewApproved, ReviewOverridden}).
		Where("detection_results.id NOT IN (SELECT detection_result_id FROM allocation_records)").
		Where(latestResultCondition).
		Order("id ASC").
		Limit(limit).
		Offset(offset).
		Find(&results).Error
	if err != nil {
		return nil, dbError(err, "list_approved_unallocated", errors.PriorityMedium)
	}
	return results, nil
}

// SaveAllocationRecord creates an allocation record. The unique index on
// detection_result_id is the final guard against double allocation; a
// duplicate surfaces as ErrAlreadyAllocated.
func (ds *DataStore) SaveAllocationRecord(record *AllocationRecord) error {
	if err := ds.DB.Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.New(errors.ErrAlreadyAllocated).
				Component("datastore").
				Category(errors.CategoryConflict).
				Context("detection_result_id", record.DetectionResultID).
				Build()
		}
		return dbError(err, "save_allocation_record", errors.PriorityHigh,
			"detection_result_id", record.DetectionResultID)
	}
	return nil
}

// GetAllocationRecord retrieves an allocation record by its ID.
func (ds *DataStore) GetAllocationRecord(id uint) (*AllocationRecord, error) {
	var record AllocationRecord
	if err := ds.DB.First(&record, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("allocation record", id)
		}
		return nil, dbError(err, "get_allocation_record", errors.PriorityMedium, "record_id", id)
	}
	return &record, nil
}

// GetAllocationByDetection retrieves the allocation record for a detection
// result, if one exists.
func (ds *DataStore) GetAllocationByDetection(detectionResultID uint) (*AllocationRecord, error) {
	var record AllocationRecord
	err := ds.DB.Where("detection_result_id = ?", detectionResultID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("allocation record for detection result", detectionResultID)
		}
		return nil, dbError(err, "get_allocation_by_detection", errors.PriorityMedium,
			"detection_result_id", detectionResultID)
	}
	return &record, nil
}

// SaveCensusSite creates or updates a census site by its external id.
func (ds *DataStore) SaveCensusSite(site *CensusSite) error {
	var existing CensusSite
	err := ds.DB.Where("site_id = ?", site.SiteID).First(&existing).Error
	switch {
	case err == nil:
		site.ID = existing.ID
		site.CreatedAt = existing.CreatedAt
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dbError(err, "save_census_site", errors.PriorityMedium, "site_id", site.SiteID)
	}

	if err := ds.DB.Save(site).Error; err != nil {
		return dbError(err, "save_census_site", errors.PriorityMedium, "site_id", site.SiteID)
	}
	return nil
}

// GetCensusSite retrieves a census site by its external id.
func (ds *DataStore) GetCensusSite(siteID string) (*CensusSite, error) {
	var site CensusSite
	if err := ds.DB.Where("site_id = ?", siteID).First(&site).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("census site", siteID)
		}
		return nil, dbError(err, "get_census_site", errors.PriorityMedium, "site_id", siteID)
	}
	return &site, nil
}

// CensusSiteExists reports whether a census site is provisioned.
func (ds *DataStore) CensusSiteExists(siteID string) (bool, error) {
	var count int64
	err := ds.DB.Model(&CensusSite{}).Where("site_id = ?", siteID).Count(&count).Error
	if err != nil {
		return false, dbError(err, "census_site_exists", errors.PriorityMedium, "site_id", siteID)
	}
	return count > 0, nil
}

// SaveCounterAdjustment appends a compensating delta row. The unique index on
// the allocation record rejects a second compensation of the same allocation.
func (ds *DataStore) SaveCounterAdjustment(adjustment *CounterAdjustment) error {
	if err := ds.DB.Create(adjustment).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return errors.Newf("allocation record %d is already compensated", adjustment.AllocationRecordID).
				Component("datastore").
				Category(errors.CategoryConflict).
				Context("allocation_record_id", adjustment.AllocationRecordID).
				Build()
		}
		return dbError(err, "save_counter_adjustment", errors.PriorityHigh,
			"allocation_record_id", adjustment.AllocationRecordID)
	}
	return nil
}

// ListCounterAdjustments returns the adjustments recorded against an
// allocation record.
func (ds *DataStore) ListCounterAdjustments(allocationRecordID uint) ([]CounterAdjustment, error) {
	var adjustments []CounterAdjustment
	err := ds.DB.Where("allocation_record_id = ?", allocationRecordID).
		Order("id ASC").
		Find(&adjustments).Error
	if err != nil {
		return nil, dbError(err, "list_counter_adjustments", errors.PriorityMedium,
			"allocation_record_id", allocationRecordID)
	}
	return adjustments, nil
}

// CreateCounter inserts a new counter row for a (site, species) pair.
func (ds *DataStore) CreateCounter(counter *SpeciesSiteCounter) error {
	if err := ds.DB.Create(counter).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another writer created the pair first; caller re-reads and retries.
			return errors.New(errors.ErrAggregationConflict).
				Component("datastore").
				Category(errors.CategoryConflict).
				Context("site_id", counter.SiteID).
				Context("species", counter.Species).
				Build()
		}
		return dbError(err, "create_counter", errors.PriorityHigh,
			"site_id", counter.SiteID, "species", counter.Species)
	}
	return nil
}

// GetCounter retrieves the counter for a (site, species) pair.
func (ds *DataStore) GetCounter(siteID, species string) (*SpeciesSiteCounter, error) {
	var counter SpeciesSiteCounter
	err := ds.DB.Where("site_id = ? AND species = ?", siteID, species).First(&counter).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFoundError("counter", siteID+"/"+species)
		}
		return nil, dbError(err, "get_counter", errors.PriorityMedium,
			"site_id", siteID, "species", species)
	}
	return &counter, nil
}

// ListCounters returns counters, optionally filtered by site and verification
// state.
func (ds *DataStore) ListCounters(siteID string, verified *bool) ([]SpeciesSiteCounter, error) {
	query := ds.DB.Model(&SpeciesSiteCounter{}).Order("site_id ASC, species ASC")
	if siteID != "" {
		query = query.Where("site_id = ?", siteID)
	}
	if verified != nil {
		query = query.Where("verified = ?", *verified)
	}

	var counters []SpeciesSiteCounter
	if err := query.Find(&counters).Error; err != nil {
		return nil, dbError(err, "list_counters", errors.PriorityMedium, "site_id", siteID)
	}
	return counters, nil
}

// UpdateCounterCAS writes back a modified counter only if its version column
// is unchanged since the read, bumping the version in the same statement.
// A false return means a concurrent writer got there first and the caller
// must re-read and retry.
func (ds *DataStore) UpdateCounterCAS(counter *SpeciesSiteCounter) (bool, error) {
	newVersion := counter.Version + 1
	result := ds.DB.Model(&SpeciesSiteCounter{}).
		Where("id = ? AND version = ?", counter.ID, counter.Version).
		Updates(map[string]any{
			"total_count":           counter.TotalCount,
			"observation_count":     counter.ObservationCount,
			"last_observation_date": counter.LastObservationDate,
			"monthly_counts":        counter.MonthlyCounts,
			"yearly_counts":         counter.YearlyCounts,
			"verified":              counter.Verified,
			"verified_by":           counter.VerifiedBy,
			"verified_at":           counter.VerifiedAt,
			"version":               newVersion,
			"updated_at":            time.Now(),
		})
	if result.Error != nil {
		return false, dbError(result.Error, "update_counter", errors.PriorityHigh,
			"site_id", counter.SiteID, "species", counter.Species)
	}
	if result.RowsAffected == 1 {
		counter.Version = newVersion
		return true, nil
	}
	return false, nil
}

// performAutoMigration automates database migrations with error handling.
func performAutoMigration(db *gorm.DB, debug bool, dbType, connectionInfo string) error {
	if err := db.AutoMigrate(
		&CensusSite{},
		&ImageAsset{},
		&DetectionResult{},
		&AllocationRecord{},
		&CounterAdjustment{},
		&SpeciesSiteCounter{},
	); err != nil {
		return dbError(err, "auto_migrate", errors.PriorityCritical, "db_type", dbType)
	}

	if debug {
		log.Printf("%s database connection initialized: %s", dbType, connectionInfo)
	}

	return nil
}

// createGormLogger configures and returns a new GORM logger instance.
func createGormLogger() logger.Interface {
	return logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold: 200 * time.Millisecond,
			LogLevel:      logger.Warn,
			Colorful:      true,
		},
	)
}
