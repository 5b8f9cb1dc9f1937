package api

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/review"
)

func (c *Controller) initDetectionRoutes() {
	c.Group.POST("/images/:id/detect", c.DetectImage)
	c.Group.GET("/reviews/pending", c.GetPendingReviews)
	c.Group.POST("/detections/:id/approve", c.ApproveDetection)
	c.Group.POST("/detections/:id/reject", c.RejectDetection)
	c.Group.POST("/detections/:id/override", c.OverrideDetection)
	c.Group.POST("/detections/:id/defer", c.DeferDetection)
	c.Group.POST("/detections/batch", c.BatchReview)
}

// DetectionResponse is the API representation of a detection result.
type DetectionResponse struct {
	ID               uint       `json:"id"`
	ImageAssetID     uint       `json:"imageAssetId"`
	SpeciesLabel     string     `json:"speciesLabel"`
	Confidence       float64    `json:"confidence"`
	BoundingBox      [4]int     `json:"boundingBox"` // x, y, width, height
	InstanceCount    int        `json:"instanceCount"`
	ModelVersion     string     `json:"modelVersion,omitempty"`
	ProcessedAt      time.Time  `json:"processedAt"`
	ReviewStatus     string     `json:"reviewStatus"`
	EffectiveSpecies string     `json:"effectiveSpecies"`
	OverrideSpecies  string     `json:"overrideSpecies,omitempty"`
	OverrideReason   string     `json:"overrideReason,omitempty"`
	ReviewedBy       string     `json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time `json:"reviewedAt,omitempty"`
}

// PaginatedResponse wraps list results with pagination metadata
type PaginatedResponse struct {
	Data   any `json:"data"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Count  int `json:"count"`
}

func detectionToResponse(r *datastore.DetectionResult) DetectionResponse {
	return DetectionResponse{
		ID:               r.ID,
		ImageAssetID:     r.ImageAssetID,
		SpeciesLabel:     r.SpeciesLabel,
		Confidence:       r.Confidence,
		BoundingBox:      [4]int{r.BoxX, r.BoxY, r.BoxWidth, r.BoxHeight},
		InstanceCount:    r.InstanceCount,
		ModelVersion:     r.ModelVersion,
		ProcessedAt:      r.ProcessedAt,
		ReviewStatus:     string(r.ReviewStatus),
		EffectiveSpecies: r.EffectiveSpecies(),
		OverrideSpecies:  r.OverrideSpecies,
		OverrideReason:   r.OverrideReason,
		ReviewedBy:       r.ReviewedBy,
		ReviewedAt:       r.ReviewedAt,
	}
}

func detectionsToResponse(results []datastore.DetectionResult) []DetectionResponse {
	out := make([]DetectionResponse, 0, len(results))
	for i := range results {
		out = append(out, detectionToResponse(&results[i]))
	}
	return out
}

// DetectImage submits a captured image for classification. The request body
// is the raw image payload.
func (c *Controller) DetectImage(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	image, err := io.ReadAll(ctx.Request().Body)
	if err != nil {
		return c.handleError(ctx, errors.New(err).
			Category(errors.CategoryValidation).
			Context("operation", "read_image_body").
			Build())
	}

	result, err := c.Ingestion.Submit(ctx.Request().Context(), id, image)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusCreated, detectionToResponse(result))
}

// GetPendingReviews returns the review queue, oldest first.
func (c *Controller) GetPendingReviews(ctx echo.Context) error {
	limit, offset := parsePagination(ctx)

	results, err := c.Review.PendingQueue(ctx.Request().Context(), limit, offset)
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

// ReviewRequest carries the reviewer identity for simple review actions.
type ReviewRequest struct {
	Reviewer string `json:"reviewer"`
}

// OverrideRequest carries the corrected species and justification.
type OverrideRequest struct {
	Species  string `json:"species"`
	Reason   string `json:"reason"`
	Reviewer string `json:"reviewer"`
}

// ApproveDetection marks a pending detection as approved.
func (c *Controller) ApproveDetection(ctx echo.Context) error {
	return c.reviewAction(ctx, func(id uint, req *ReviewRequest) (*datastore.DetectionResult, error) {
		return c.Review.Approve(ctx.Request().Context(), id, req.Reviewer)
	})
}

// RejectDetection marks a pending detection as rejected.
func (c *Controller) RejectDetection(ctx echo.Context) error {
	return c.reviewAction(ctx, func(id uint, req *ReviewRequest) (*datastore.DetectionResult, error) {
		return c.Review.Reject(ctx.Request().Context(), id, req.Reviewer)
	})
}

// OverrideDetection replaces the classifier species with the reviewer's.
func (c *Controller) OverrideDetection(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	var req OverrideRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	result, err := c.Review.Override(ctx.Request().Context(), id, req.Species, req.Reason, req.Reviewer)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, detectionToResponse(result))
}

// DeferDetection leaves the detection pending. Always succeeds for
// non-terminal detections and changes nothing.
func (c *Controller) DeferDetection(ctx echo.Context) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	result, err := c.Review.Defer(ctx.Request().Context(), id)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, detectionToResponse(result))
}

// BatchReviewRequest applies one action to many detections.
type BatchReviewRequest struct {
	Action   string `json:"action"` // approve or reject
	IDs      []uint `json:"ids"`
	Reviewer string `json:"reviewer"`
}

// BatchReviewOutcome reports the result for one detection in a batch.
type BatchReviewOutcome struct {
	DetectionID uint   `json:"detectionId"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	Code        string `json:"code,omitempty"`
}

// BatchReview approves or rejects a set of detections. Items fail
// independently; the response always carries one outcome per id.
func (c *Controller) BatchReview(ctx echo.Context) error {
	var req BatchReviewRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	outcomes, err := c.Review.Batch(ctx.Request().Context(), review.BatchAction(req.Action), req.IDs, req.Reviewer)
	if err != nil {
		return c.handleError(ctx, err)
	}

	resp := make([]BatchReviewOutcome, 0, len(outcomes))
	failed := 0
	for _, o := range outcomes {
		item := BatchReviewOutcome{DetectionID: o.DetectionResultID, Status: string(o.Status)}
		if o.Err != nil {
			item.Error = o.Err.Error()
			item.Code = errors.Code(o.Err)
			failed++
		}
		resp = append(resp, item)
	}

	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	return ctx.JSON(status, resp)
}

func (c *Controller) reviewAction(ctx echo.Context, fn func(uint, *ReviewRequest) (*datastore.DetectionResult, error)) error {
	id, err := parseID(ctx)
	if err != nil {
		return c.handleError(ctx, err)
	}

	var req ReviewRequest
	if err := ctx.Bind(&req); err != nil {
		return c.handleError(ctx, bindError(err))
	}

	result, err := fn(id, &req)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(http.StatusOK, detectionToResponse(result))
}

func parseID(ctx echo.Context) (uint, error) {
	id, err := strconv.ParseUint(ctx.Param("id"), 10, 32)
	if err != nil {
		return 0, errors.Newf("invalid id %q", ctx.Param("id")).
			Category(errors.CategoryValidation).
			Context("operation", "parse_id").
			Build()
	}
	return uint(id), nil
}

func parsePagination(ctx echo.Context) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(ctx.QueryParam("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(ctx.QueryParam("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func bindError(err error) error {
	return errors.New(err).
		Category(errors.CategoryValidation).
		Context("operation", "bind_request").
		Build()
}
