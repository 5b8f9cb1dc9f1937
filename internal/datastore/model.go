// model.go this code defines the data model for the application
package datastore

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowStage is the processing stage of an uploaded image.
type WorkflowStage string

const (
	StageCaptured         WorkflowStage = "captured"
	StageProcessing       WorkflowStage = "processing"
	StageOrganized        WorkflowStage = "organized"
	StageReviewed         WorkflowStage = "reviewed"
	StageAllocated        WorkflowStage = "allocated"
	StageProcessingFailed WorkflowStage = "processing_failed"
)

// stageRank orders the monotonic stages. StageProcessingFailed is outside the
// order; it is reachable only from StageProcessing and retryable back to
// StageProcessing on resubmission.
var stageRank = map[WorkflowStage]int{
	StageCaptured:   0,
	StageProcessing: 1,
	StageOrganized:  2,
	StageReviewed:   3,
	StageAllocated:  4,
}

// ValidStageTransition reports whether an image asset may move from one
// workflow stage to another. Stages only advance, except the failure stage
// which allows resubmission.
func ValidStageTransition(from, to WorkflowStage) bool {
	if to == StageProcessingFailed {
		return from == StageProcessing
	}
	if from == StageProcessingFailed {
		return to == StageProcessing
	}
	fromRank, okFrom := stageRank[from]
	toRank, okTo := stageRank[to]
	return okFrom && okTo && toRank > fromRank
}

// ReviewStatus is the review state of a detection result.
type ReviewStatus string

const (
	ReviewPending    ReviewStatus = "pending"
	ReviewApproved   ReviewStatus = "approved"
	ReviewRejected   ReviewStatus = "rejected"
	ReviewOverridden ReviewStatus = "overridden"
)

// Terminal reports whether the status allows no further transitions.
func (s ReviewStatus) Terminal() bool {
	switch s {
	case ReviewApproved, ReviewRejected, ReviewOverridden:
		return true
	default:
		return false
	}
}

// Allocatable reports whether a result with this status may be allocated.
func (s ReviewStatus) Allocatable() bool {
	return s == ReviewApproved || s == ReviewOverridden
}

// ImageAsset represents a single uploaded image moving through the pipeline.
type ImageAsset struct {
	ID               uint `gorm:"primaryKey"`
	Owner            string
	UploadedAt       time.Time `gorm:"index"`
	OriginalFilename string
	Size             int64
	Title            string
	SiteHint         string        // free-text site suggestion used during allocation
	WorkflowStage    WorkflowStage `gorm:"type:varchar(20);index:idx_image_assets_stage"`

	Detections []DetectionResult `gorm:"foreignKey:ImageAssetID;constraint:OnDelete:CASCADE"`
}

// CensusSite is a provisioned census site. Allocation validates site ids
// against this table.
type CensusSite struct {
	ID        uint   `gorm:"primaryKey"`
	SiteID    string `gorm:"uniqueIndex;not null"`
	Name      string
	Latitude  float64
	Longitude float64
	CreatedAt time.Time
}

// DetectionResult represents one classifier run's output for an image asset.
// An asset may be reprocessed, producing a new result each time; prior results
// are retained as immutable history and only the most recent one is eligible
// for review and allocation.
type DetectionResult struct {
	ID           uint `gorm:"primaryKey"`
	ImageAssetID uint `gorm:"index;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:ImageAssetID;references:ID"`

	SpeciesLabel string  `gorm:"index:idx_detection_results_species"`
	Confidence   float64 // classifier confidence, 0.0-1.0
	// Bounding box in pixel units relative to the original image
	BoxX      int
	BoxY      int
	BoxWidth  int
	BoxHeight int

	InstanceCount int // number of detected individuals, >= 1
	ModelVersion  string
	ProcessedAt   time.Time

	ReviewStatus    ReviewStatus `gorm:"type:varchar(20);index:idx_detection_results_status"`
	OverrideSpecies string       // set only when status is overridden
	OverrideReason  string       `gorm:"type:text"`
	ReviewedBy      string
	ReviewedAt      *time.Time
}

// EffectiveSpecies returns the species this result counts as: the reviewer's
// override when present, otherwise the classifier label.
func (r *DetectionResult) EffectiveSpecies() string {
	if r.ReviewStatus == ReviewOverridden && r.OverrideSpecies != "" {
		return r.OverrideSpecies
	}
	return r.SpeciesLabel
}

// AllocationRecord binds one approved detection result to a site and census
// date. Exactly one record may exist per detection result; records are
// append-only and corrections go through counter adjustments.
type AllocationRecord struct {
	ID                uint `gorm:"primaryKey"`
	DetectionResultID uint `gorm:"uniqueIndex;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:DetectionResultID;references:ID"`

	SiteID           string `gorm:"index:idx_allocation_records_site"`
	CensusDate       string `gorm:"index"` // YYYY-MM-DD
	EffectiveSpecies string `gorm:"index"`
	EffectiveCount   int
	AllocatedBy      string
	AllocatedAt      time.Time
}

// CounterAdjustment is an append-only compensating delta against a counter,
// referencing the allocation record whose contribution it corrects. The
// unique index allows at most one adjustment per allocation record.
type CounterAdjustment struct {
	ID                 uint `gorm:"primaryKey"`
	AllocationRecordID uint `gorm:"uniqueIndex;not null;constraint:OnDelete:CASCADE,OnUpdate:CASCADE;foreignKey:AllocationRecordID;references:ID"`

	SiteID     string
	Species    string
	Delta      int // negative for corrections
	Reason     string `gorm:"type:text"`
	AdjustedBy string
	AdjustedAt time.Time
}

// PeriodCounts is a map of period key ("2006-01" or "2006") to summed counts,
// stored as a JSON column.
type PeriodCounts map[string]int

// Value implements driver.Valuer for JSON storage.
func (p PeriodCounts) Value() (driver.Value, error) {
	if p == nil {
		p = PeriodCounts{}
	}
	return json.Marshal(p)
}

// Scan implements sql.Scanner for JSON storage.
func (p *PeriodCounts) Scan(value any) error {
	if value == nil {
		*p = PeriodCounts{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported type %T for PeriodCounts", value)
	}
}

// Add increments the count for a period key.
func (p PeriodCounts) Add(key string, delta int) {
	p[key] += delta
}

// Total returns the sum over all period keys.
func (p PeriodCounts) Total() int {
	total := 0
	for _, v := range p {
		total += v
	}
	return total
}

// Copy creates a deep copy of the map.
func (p PeriodCounts) Copy() PeriodCounts {
	c := make(PeriodCounts, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// SpeciesSiteCounter is the running aggregate for one (site, species) pair.
// Updated by every allocation for the pair, never deleted. Version implements
// optimistic concurrency for the read-modify-write of the period maps.
type SpeciesSiteCounter struct {
	ID      uint   `gorm:"primaryKey"`
	SiteID  string `gorm:"uniqueIndex:idx_counter_site_species;not null"`
	Species string `gorm:"uniqueIndex:idx_counter_site_species;not null"`

	TotalCount          int
	ObservationCount    int
	LastObservationDate string       // YYYY-MM-DD
	MonthlyCounts       PeriodCounts `gorm:"type:text"`
	YearlyCounts        PeriodCounts `gorm:"type:text"`

	Verified   bool
	VerifiedBy string
	VerifiedAt *time.Time

	Version   uint `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

// MonthKey returns the monthly_counts key for a census date.
func MonthKey(censusDate time.Time) string {
	return censusDate.Format("2006-01")
}

// YearKey returns the yearly_counts key for a census date.
func YearKey(censusDate time.Time) string {
	return censusDate.Format("2006")
}
