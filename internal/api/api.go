// Package api exposes the pipeline operations over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"

	"github.com/tphakala/birdcensus-go/internal/aggregation"
	"github.com/tphakala/birdcensus-go/internal/allocation"
	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/ingestion"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability"
	"github.com/tphakala/birdcensus-go/internal/review"
)

// Controller manages the API routes and handlers
type Controller struct {
	Echo     *echo.Echo
	Group    *echo.Group
	DS       datastore.Interface
	Settings *conf.Settings

	Ingestion  *ingestion.Service
	Review     *review.Engine
	Allocation *allocation.Engine
	Aggregator *aggregation.Engine
	Metrics    *observability.Metrics

	counterCache *cache.Cache // cache for counter queries
	apiLogger    *slog.Logger
	closeLog     func() error
}

// New assembles the controller and registers all routes.
func New(settings *conf.Settings, ds datastore.Interface, ingest *ingestion.Service, reviewEngine *review.Engine, allocEngine *allocation.Engine, aggregator *aggregation.Engine, metrics *observability.Metrics) *Controller {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	apiLogger := logging.ForService("api")
	closeLog := func() error { return nil }
	if settings.WebServer.Log.Enabled {
		fileLogger, closeFn, err := logging.NewFileLogger(settings.WebServer.Log.Path, "api", slog.LevelInfo)
		if err != nil {
			logging.Warn("failed to open web server log file, logging to default output",
				"path", settings.WebServer.Log.Path,
				"error", err)
		} else {
			apiLogger = fileLogger
			closeLog = closeFn
		}
	}

	c := &Controller{
		Echo:         e,
		DS:           ds,
		Settings:     settings,
		Ingestion:    ingest,
		Review:       reviewEngine,
		Allocation:   allocEngine,
		Aggregator:   aggregator,
		Metrics:      metrics,
		counterCache: cache.New(5*time.Minute, 10*time.Minute),
		apiLogger:    apiLogger,
		closeLog:     closeLog,
	}

	c.Group = e.Group("/api/v1")
	c.initDetectionRoutes()
	c.initAllocationRoutes()
	c.initCounterRoutes()

	if metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	}

	return c
}

// Start begins serving on the configured port. Blocks until shutdown.
func (c *Controller) Start() error {
	return c.Echo.Start(":" + c.Settings.WebServer.Port)
}

// Shutdown gracefully stops the server and closes the request log.
func (c *Controller) Shutdown(ctx context.Context) error {
	err := c.Echo.Shutdown(ctx)
	if c.closeLog != nil {
		err = errors.Join(err, c.closeLog())
	}
	return err
}

// ErrorResponse is the structured error payload. Details carry the current
// state of the affected entity so the caller can decide whether to retry,
// re-review or skip.
type ErrorResponse struct {
	Error     string         `json:"error"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

// handleError converts a pipeline error into an HTTP response.
func (c *Controller) handleError(ctx echo.Context, err error) error {
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      errors.Code(err),
		Retryable: errors.Retryable(err),
	}

	var enhanced *errors.EnhancedError
	if errors.As(err, &enhanced) {
		resp.Details = enhanced.GetContext()
	}

	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, errors.ErrAlreadyReviewed),
		errors.Is(err, errors.ErrAlreadyAllocated),
		errors.Is(err, errors.ErrInvalidTransition),
		errors.Is(err, errors.ErrAggregationConflict):
		status = http.StatusConflict
	case errors.Is(err, errors.ErrInvalidSite),
		errors.IsCategory(err, errors.CategoryValidation),
		errors.IsCategory(err, errors.CategoryState):
		status = http.StatusBadRequest
	case errors.Is(err, errors.ErrClassification):
		status = http.StatusBadGateway
	}

	if c.apiLogger != nil && status >= http.StatusInternalServerError {
		c.apiLogger.Error("request failed", "path", ctx.Path(), "error", err)
	}

	return ctx.JSON(status, resp)
}
