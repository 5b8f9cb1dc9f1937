package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcensus-go/internal/datastore"
)

func (c *Controller) initAllocationRoutes() {
	c.Group.GET("/allocations/pending", c.GetUnallocated)
	c.Group.POST("/detections/:id/allocate", c.AllocateDetection)
	c.Group.POST("/detections/:id/skip", c.SkipDetection)
	c.Group.POST("/allocations/:id/compensate", c.CompensateAllocation)
}

// AllocationResponse is the API representation of an allocation record.
type AllocationResponse struct {
	ID                uint      `json:"id"`
	DetectionResultID uint      `json:"detectionResultId"`
	SiteID            string    `json:"siteId"`
	CensusDate        string    `json:"censusDate"`
	EffectiveSpecies  string    `json:"effectiveSpecies"`
	EffectiveCount    int       `json:"effectiveCount"`
	AllocatedBy       string    `json:"allocatedBy,omitempty"`
	AllocatedAt       time.Time `json:"allocatedAt"`
}

func allocationToResponse(a *datastore.AllocationRecord) AllocationResponse {
	return AllocationResponse{
		ID:                a.ID,
		DetectionResultID: a.DetectionResultID,
		SiteID:            a.SiteID,
		CensusDate:        a.CensusDate,
		EffectiveSpecies:  a.EffectiveSpecies,
		EffectiveCount:    a.EffectiveCount,
		AllocatedBy:       a.AllocatedBy,
		AllocatedAt:       a.AllocatedAt,
	}
}

// GetUnallocated lists approved or overridden detections that have not been
// allocated yet, oldest first.
func (c *Controller) GetUnallocated(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)

	results, err := c.Allocation.ListUnallocated(ctx.Request().Context(), limit, offset)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, PaginatedResponse{
		Data:   detectionsToResponse(results),
		Limit:  limit,
		Offset: offset,
		Count:  len(results),
	})
}

// AllocateRequest binds an approved detection to a census site and date.
type AllocateRequest struct {
	SiteID      string `json:"siteId"`
	CensusDate  string `json:"censusDate"` // YYYY-MM-DD
	AllocatedBy string `json:"allocatedBy"`
}

// AllocateDetection records the allocation and folds its count into the
// site/species counter in one transaction.
func (c *Controller) AllocateDetection(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	var req AllocateRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	alloc, err := c.Allocation.Allocate(ctx.Request().Context(), id, req.SiteID, req.CensusDate, req.AllocatedBy)
	if err != nil {
		return c.handleError(ctx, err)
	}

	c.counterCache.Flush()
	return ctx.JSON(http.StatusCreated, allocationToResponse(alloc))
}

// SkipDetection leaves an allocatable detection in the allocation queue.
func (c *Controller) SkipDetection(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	result, err := c.Allocation.Skip(ctx.Request().Context(), id)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, detectionToResponse(result))
}

// CompensateRequest corrects a mistaken allocation after the fact.
type CompensateRequest struct {
	Reason     string `json:"reason"`
	AdjustedBy string `json:"adjustedBy"`
}

// CompensateAllocation appends a negative adjustment against the counter the
// allocation contributed to. The allocation record itself stays untouched.
func (c *Controller) CompensateAllocation(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	var req CompensateRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	counter, err := c.Aggregator.Compensate(ctx.Request().Context(), id, req.Reason, req.AdjustedBy)
	if err != nil {
		return c.handleError(ctx, err)
	}

	c.counterCache.Flush()
	return ctx.JSON(http.StatusOK, counterToResponse(counter))
}
