// Package classifier provides the client for the external AI species
// classifier. The classifier is a black box to the pipeline: one call per
// submitted image, returning a species label with confidence and bounding
// box, or a classification error that maps to the processing_failed stage.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/logging"
)

// BoundingBox locates a detection in pixel units relative to the original image.
type BoundingBox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Classification is the classifier's output for one image.
type Classification struct {
	SpeciesLabel  string      `json:"species_label"`
	Confidence    float64     `json:"confidence"`
	BoundingBox   BoundingBox `json:"bounding_box"`
	InstanceCount int         `json:"instance_count"`
	ModelVersion  string      `json:"model_version"`
}

// Validate checks the classifier output for values the pipeline cannot accept.
func (c *Classification) Validate() error {
	if c.SpeciesLabel == "" {
		return fmt.Errorf("empty species label")
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range [0,1]", c.Confidence)
	}
	if c.InstanceCount < 1 {
		return fmt.Errorf("instance count %d below 1", c.InstanceCount)
	}
	return nil
}

// Interface runs species identification on an image.
type Interface interface {
	Classify(ctx context.Context, image []byte) (*Classification, error)
}

// Client calls a remote inference endpoint over HTTP.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *slog.Logger
}

// New creates a classifier client from settings.
func New(settings *conf.ClassifierSettings) *Client {
	timeout := settings.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		endpoint: settings.Endpoint,
		apiKey:   settings.APIKey,
		http:     &http.Client{Timeout: timeout},
		logger:   logging.ForService("classifier"),
	}
}

// Classify submits image bytes to the inference endpoint and returns the
// parsed classification. All failure modes (transport, non-200, malformed or
// invalid output) surface as ErrClassification so ingestion can mark the
// asset processing_failed and leave it for manual resubmission.
func (c *Client) Classify(ctx context.Context, image []byte) (*Classification, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(image))
	if err != nil {
		return nil, c.classificationError(err, "build_request")
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classificationError(err, "request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, c.classificationError(
			fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, string(body)),
			"status")
	}

	var classification Classification
	if err := json.NewDecoder(resp.Body).Decode(&classification); err != nil {
		return nil, c.classificationError(err, "decode")
	}

	if err := classification.Validate(); err != nil {
		return nil, c.classificationError(err, "validate")
	}

	if c.logger != nil {
		c.logger.Debug("classification completed",
			"species", classification.SpeciesLabel,
			"confidence", classification.Confidence,
			"instances", classification.InstanceCount,
			"model_version", classification.ModelVersion,
			"duration_ms", time.Since(start).Milliseconds())
	}

	return &classification, nil
}

// classificationError wraps a failure so it matches errors.ErrClassification.
func (c *Client) classificationError(err error, stage string) error {
	if c.logger != nil {
		c.logger.Warn("classification failed", "stage", stage, "error", err)
	}
	return errors.New(errors.Join(errors.ErrClassification, err)).
		Component("classifier").
		Category(errors.CategoryClassification).
		Context("stage", stage).
		Build()
}
