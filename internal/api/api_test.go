package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcensus-go/internal/aggregation"
	"github.com/tphakala/birdcensus-go/internal/allocation"
	"github.com/tphakala/birdcensus-go/internal/classifier"
	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/datastore"
	"github.com/tphakala/birdcensus-go/internal/errors"
	"github.com/tphakala/birdcensus-go/internal/ingestion"
	"github.com/tphakala/birdcensus-go/internal/observability"
	"github.com/tphakala/birdcensus-go/internal/review"
	"github.com/tphakala/birdcensus-go/internal/siteregistry"
)

// fakeClassifier provides deterministic responses without a live endpoint.
type fakeClassifier struct {
	result classifier.Classification
	err    error
}

func (f *fakeClassifier) Classify(ctx context.Context, image []byte) (*classifier.Classification, error) {
	if f.err != nil {
		return nil, f.err
	}
	result := f.result
	return &result, nil
}

type testServer struct {
	controller *Controller
	ds         datastore.Interface
	review     *review.Engine
	aggregator *aggregation.Engine
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"
	settings.WebServer.Port = "0"
	settings.Review.BatchLimit = 100

	ds := datastore.New(settings)
	require.NoError(t, ds.Open(), "Failed to open database")
	t.Cleanup(func() {
		assert.NoError(t, ds.Close(), "Failed to close datastore")
	})

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	fake := &fakeClassifier{result: classifier.Classification{
		SpeciesLabel:  "Egretta garzetta",
		Confidence:    0.92,
		BoundingBox:   classifier.BoundingBox{X: 10, Y: 20, Width: 100, Height: 80},
		InstanceCount: 2,
		ModelVersion:  "v3.1",
	}}

	sites := siteregistry.NewStatic(siteregistry.Site{ID: "site-1", Name: "North shore"})
	aggregator := aggregation.New(ds, metrics.Pipeline, 5, time.Millisecond)
	reviewEngine := review.New(ds, metrics.Pipeline, settings.Review.BatchLimit)
	controller := New(settings, ds,
		ingestion.New(ds, fake, metrics.Pipeline),
		reviewEngine,
		allocation.New(ds, sites, aggregator, metrics.Pipeline),
		aggregator,
		metrics)

	return &testServer{
		controller: controller,
		ds:         ds,
		review:     reviewEngine,
		aggregator: aggregator,
	}
}

func (ts *testServer) request(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}
	rec := httptest.NewRecorder()
	ts.controller.Echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createCapturedAsset(t *testing.T) *datastore.ImageAsset {
	t.Helper()
	asset := &datastore.ImageAsset{
		UploadedAt:    time.Now(),
		WorkflowStage: datastore.StageCaptured,
	}
	require.NoError(t, ts.ds.SaveImageAsset(asset))
	return asset
}

// submitDetection runs an asset through the detect endpoint and returns the
// created detection id.
func (ts *testServer) submitDetection(t *testing.T) uint {
	t.Helper()
	asset := ts.createCapturedAsset(t)

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/images/%d/detect", asset.ID),
		strings.NewReader("jpeg-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	ts.controller.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp DetectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.ID
}

func TestDetectEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodGet, "/api/v1/reviews/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var page struct {
		Data  []DetectionResponse `json:"data"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 1, page.Count)
	assert.Equal(t, id, page.Data[0].ID)
	assert.Equal(t, "Egretta garzetta", page.Data[0].SpeciesLabel)
	assert.Equal(t, "pending", page.Data[0].ReviewStatus)
}

func TestApproveEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/approve", id),
		`{"reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DetectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "approved", resp.ReviewStatus)
	assert.Equal(t, "alice", resp.ReviewedBy)

	// The terminal transition cannot be repeated.
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/reject", id),
		`{"reviewer":"bob"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "invalid_transition", errResp.Code)
	assert.False(t, errResp.Retryable)
	assert.Equal(t, "approved", errResp.Details["current_status"])
}

func TestOverrideEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/override", id),
		`{"species":"Egretta eulophotes","reason":"bill shape","reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DetectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "overridden", resp.ReviewStatus)
	assert.Equal(t, "Egretta eulophotes", resp.EffectiveSpecies)
	assert.Equal(t, "Egretta garzetta", resp.SpeciesLabel)
}

func TestBatchEndpointPartialSuccess(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	first := ts.submitDetection(t)
	second := ts.submitDetection(t)

	// Make the second terminal so the batch partially fails.
	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/reject", second), `{"reviewer":"bob"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/v1/detections/batch",
		fmt.Sprintf(`{"action":"approve","ids":[%d,%d],"reviewer":"alice"}`, first, second))
	require.Equal(t, http.StatusMultiStatus, rec.Code, rec.Body.String())

	var outcomes []BatchReviewOutcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &outcomes))
	require.Len(t, outcomes, 2)
	assert.Equal(t, "approved", outcomes[0].Status)
	assert.Empty(t, outcomes[0].Error)
	assert.Equal(t, "invalid_transition", outcomes[1].Code)
}

func TestAllocateAndCounterEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/approve", id), `{"reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/allocate", id),
		`{"siteId":"site-1","censusDate":"2026-04-12","allocatedBy":"alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var alloc AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))
	assert.Equal(t, "site-1", alloc.SiteID)
	assert.Equal(t, 2, alloc.EffectiveCount)

	// Double allocation is a conflict.
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/allocate", id),
		`{"siteId":"site-1","censusDate":"2026-04-12","allocatedBy":"alice"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	// Unknown site is a bad request.
	other := ts.submitDetection(t)
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/approve", other), `{"reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/allocate", other),
		`{"siteId":"site-9","censusDate":"2026-04-12","allocatedBy":"alice"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/v1/counters/site-1/Egretta%20garzetta", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var counter CounterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	assert.Equal(t, 2, counter.TotalCount)
	assert.Equal(t, 1, counter.ObservationCount)
	assert.Equal(t, map[string]int{"2026-04": 2}, counter.MonthlyCounts)
	assert.False(t, counter.Verified)
}

func TestVerifyAndCompensateEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/approve", id), `{"reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/allocate", id),
		`{"siteId":"site-1","censusDate":"2026-04-12","allocatedBy":"alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var alloc AllocationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &alloc))

	rec = ts.request(t, http.MethodPost,
		"/api/v1/counters/site-1/Egretta%20garzetta/verify", `{"verifier":"warden"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var counter CounterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	assert.True(t, counter.Verified)
	assert.Equal(t, "warden", counter.VerifiedBy)

	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/allocations/%d/compensate", alloc.ID),
		`{"reason":"double counted","adjustedBy":"warden"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counter))
	assert.Equal(t, 0, counter.TotalCount)
	assert.Equal(t, 1, counter.ObservationCount)
	assert.False(t, counter.Verified, "compensation resets verification")

	// One compensation per allocation.
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/allocations/%d/compensate", alloc.ID),
		`{"reason":"again","adjustedBy":"warden"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestCounterListCaching(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	id := ts.submitDetection(t)

	rec := ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/approve", id), `{"reviewer":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	// An empty list gets cached...
	rec = ts.request(t, http.MethodGet, "/api/v1/counters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var counters []CounterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	assert.Empty(t, counters)

	// ...and the allocation invalidates it.
	rec = ts.request(t, http.MethodPost,
		fmt.Sprintf("/api/v1/detections/%d/allocate", id),
		`{"siteId":"site-1","censusDate":"2026-04-12","allocatedBy":"alice"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.request(t, http.MethodGet, "/api/v1/counters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counters))
	require.Len(t, counters, 1)
	assert.Equal(t, 2, counters[0].TotalCount)
}

func TestNotFoundAndBadID(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)

	rec := ts.request(t, http.MethodPost, "/api/v1/detections/99999/approve", `{"reviewer":"alice"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.request(t, http.MethodPost, "/api/v1/detections/abc/approve", `{"reviewer":"alice"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ts.submitDetection(t)

	rec := ts.request(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline_detection_submissions_total")
}

func TestWebServerFileLogging(t *testing.T) {
	t.Parallel()

	settings := &conf.Settings{}
	settings.Output.SQLite.Enabled = true
	settings.Output.SQLite.Path = t.TempDir() + "/test.db"
	settings.WebServer.Port = "0"
	settings.Review.BatchLimit = 100
	settings.WebServer.Log.Enabled = true
	logPath := t.TempDir() + "/api.log"
	settings.WebServer.Log.Path = logPath

	ds := datastore.New(settings)
	require.NoError(t, ds.Open(), "Failed to open database")
	t.Cleanup(func() {
		assert.NoError(t, ds.Close(), "Failed to close datastore")
	})

	metrics, err := observability.NewMetrics()
	require.NoError(t, err)

	failing := &fakeClassifier{err: errors.New(errors.Join(errors.ErrClassification,
		errors.Newf("model unavailable").Build())).
		Category(errors.CategoryClassification).
		Build()}
	sites := siteregistry.NewStatic(siteregistry.Site{ID: "site-1", Name: "North shore"})
	aggregator := aggregation.New(ds, metrics.Pipeline, 5, time.Millisecond)
	controller := New(settings, ds,
		ingestion.New(ds, failing, metrics.Pipeline),
		review.New(ds, metrics.Pipeline, settings.Review.BatchLimit),
		allocation.New(ds, sites, aggregator, metrics.Pipeline),
		aggregator,
		metrics)

	asset := &datastore.ImageAsset{UploadedAt: time.Now(), WorkflowStage: datastore.StageCaptured}
	require.NoError(t, ds.SaveImageAsset(asset))

	req := httptest.NewRequest(http.MethodPost,
		fmt.Sprintf("/api/v1/images/%d/detect", asset.ID), strings.NewReader("jpeg-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := httptest.NewRecorder()
	controller.Echo.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	require.NoError(t, controller.Shutdown(context.Background()))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "request failed")
	assert.Contains(t, string(data), `"service":"api"`)
}
