// Package pipeline wires the datastore, engines and API server together for
// the command line entry points.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphakala/birdcensus-go/internal/aggregation"
	"github.com/tphakala/birdcensus-go/internal/allocation"
	"github.com/tphakala/birdcensus-go/internal/api"
	"github.com/tphakala/birdcensus-go/internal/classifier"
	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/ingestion"
	"github.com/tphakala/birdcensus-go/internal/logging"
	"github.com/tphakala/birdcensus-go/internal/observability"
	"github.com/tphakala/birdcensus-go/internal/review"
	"github.com/tphakala/birdcensus-go/internal/siteregistry"
)

// Components holds the wired pipeline.
type Components struct {
	Settings   *conf.Settings
	DS         datastore.Store
	Sites      *siteregistry.DatabaseRegistry
	Classifier classifier.Interface
	Ingestion  *ingestion.Service
	Review     *review.Engine
	Allocation *allocation.Engine
	Aggregator *aggregation.Engine
	Metrics    *observability.Metrics

	logger   *slog.Logger
	closeLog func() error
}

// Build opens the datastore and constructs every engine. The caller owns the
// returned components and must Close them.
func Build(settings *conf.Settings) (*Components, error) {
	ds := datastore.New(settings)
	if ds == nil {
		return nil, fmt.Errorf("no database output enabled in configuration")
	}
	if err := ds.Open(); err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}

	logger, closeLog, err := mainLogger(settings)
	if err != nil {
		_ = ds.Close()
		return nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		_ = closeLog()
		_ = ds.Close()
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	sites := siteregistry.NewDatabase(ds)
	if len(settings.Sites) > 0 {
		seed := make([]siteregistry.Site, 0, len(settings.Sites))
		for _, s := range settings.Sites {
			seed = append(seed, siteregistry.Site{
				ID:        s.ID,
				Name:      s.Name,
				Latitude:  s.Latitude,
				Longitude: s.Longitude,
			})
		}
		if err := sites.Seed(context.Background(), seed...); err != nil {
			_ = closeLog()
			_ = ds.Close()
			return nil, fmt.Errorf("failed to seed census sites: %w", err)
		}
	}

	cls := classifier.New(&settings.Classifier)
	aggregator := aggregation.New(ds, metrics.Pipeline,
		settings.Aggregation.MaxRetries, settings.Aggregation.RetryBackoff)

	return &Components{
		Settings:   settings,
		DS:         ds,
		Sites:      sites,
		Classifier: cls,
		Ingestion:  ingestion.New(ds, cls, metrics.Pipeline),
		Review:     review.New(ds, metrics.Pipeline, settings.Review.BatchLimit),
		Allocation: allocation.New(ds, sites, aggregator, metrics.Pipeline),
		Aggregator: aggregator,
		Metrics:    metrics,
		logger:     logger,
		closeLog:   closeLog,
	}, nil
}

// mainLogger returns the pipeline logger: a rotated file logger when the main
// log is enabled, the shared service logger otherwise.
func mainLogger(settings *conf.Settings) (*slog.Logger, func() error, error) {
	if !settings.Main.Log.Enabled {
		return logging.ForService("pipeline"), func() error { return nil }, nil
	}

	level := slog.LevelInfo
	if settings.Debug {
		level = slog.LevelDebug
	}
	logger, closeLog, err := logging.NewFileLogger(settings.Main.Log.Path, "pipeline", level)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open main log file %s: %w", settings.Main.Log.Path, err)
	}
	return logger, closeLog, nil
}

// Logger exposes the pipeline logger so command entry points log to the same
// destination as the pipeline itself.
func (c *Components) Logger() *slog.Logger {
	return c.logger
}

// Close releases the datastore connection and the main log file.
func (c *Components) Close() error {
	err := c.DS.Close()
	if c.closeLog != nil {
		if logErr := c.closeLog(); logErr != nil && err == nil {
			err = logErr
		}
	}
	return err
}

// RunServer builds the pipeline and serves the HTTP API until the process
// receives SIGINT or SIGTERM.
func RunServer(settings *conf.Settings) error {
	components, err := Build(settings)
	if err != nil {
		return err
	}
	defer components.Close()

	controller := api.New(settings, components.DS, components.Ingestion,
		components.Review, components.Allocation, components.Aggregator, components.Metrics)

	errCh := make(chan error, 1)
	go func() {
		errCh <- controller.Start()
	}()
	if logger := components.Logger(); logger != nil {
		logger.Info("http server started", "port", settings.WebServer.Port)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		if logger := components.Logger(); logger != nil {
			logger.Info("shutting down", "signal", sig.String())
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return controller.Shutdown(ctx)
}
