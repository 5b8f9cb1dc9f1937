package classifier

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdcensus-go/internal/conf"
	"github.com/tphakala/birdcensus-go/internal/errors"
)

const testEndpoint = "http://classifier.test/v1/classify"

func newTestClient(t *testing.T, apiKey string) *Client {
	t.Helper()
	client := New(&conf.ClassifierSettings{
		Endpoint: testEndpoint,
		APIKey:   apiKey,
		Timeout:  5 * time.Second,
	})

	httpmock.ActivateNonDefault(client.http)
	t.Cleanup(httpmock.DeactivateAndReset)

	return client
}

func successBody() map[string]any {
	return map[string]any{
		"species_label":  "Egretta garzetta",
		"confidence":     0.92,
		"bounding_box":   map[string]int{"x": 10, "y": 20, "width": 100, "height": 80},
		"instance_count": 2,
		"model_version":  "v3.1",
	}
}

func TestClassify(t *testing.T) {
	client := newTestClient(t, "")

	responder, err := httpmock.NewJsonResponder(http.StatusOK, successBody())
	require.NoError(t, err)
	httpmock.RegisterResponder(http.MethodPost, testEndpoint, responder)

	classification, err := client.Classify(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)

	assert.Equal(t, "Egretta garzetta", classification.SpeciesLabel)
	assert.Equal(t, 0.92, classification.Confidence)
	assert.Equal(t, BoundingBox{X: 10, Y: 20, Width: 100, Height: 80}, classification.BoundingBox)
	assert.Equal(t, 2, classification.InstanceCount)
	assert.Equal(t, "v3.1", classification.ModelVersion)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestClassifySendsBearerToken(t *testing.T) {
	client := newTestClient(t, "secret-token")

	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer secret-token", req.Header.Get("Authorization"))
			assert.Equal(t, "application/octet-stream", req.Header.Get("Content-Type"))
			return httpmock.NewJsonResponse(http.StatusOK, successBody())
		})

	_, err := client.Classify(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
}

func TestClassifyServerError(t *testing.T) {
	client := newTestClient(t, "")

	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "model loading"))

	_, err := client.Classify(context.Background(), []byte("jpeg-bytes"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClassification))
	assert.True(t, errors.Retryable(err))
}

func TestClassifyMalformedResponse(t *testing.T) {
	client := newTestClient(t, "")

	httpmock.RegisterResponder(http.MethodPost, testEndpoint,
		httpmock.NewStringResponder(http.StatusOK, "{not json"))

	_, err := client.Classify(context.Background(), []byte("jpeg-bytes"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClassification))
}

func TestClassifyInvalidOutput(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"empty species", func(b map[string]any) { b["species_label"] = "" }},
		{"confidence above one", func(b map[string]any) { b["confidence"] = 1.2 }},
		{"negative confidence", func(b map[string]any) { b["confidence"] = -0.1 }},
		{"zero instances", func(b map[string]any) { b["instance_count"] = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, "")

			body := successBody()
			tc.mutate(body)
			responder, err := httpmock.NewJsonResponder(http.StatusOK, body)
			require.NoError(t, err)
			httpmock.RegisterResponder(http.MethodPost, testEndpoint, responder)

			_, err = client.Classify(context.Background(), []byte("jpeg-bytes"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrClassification))
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	client := newTestClient(t, "")
	// No responder registered: the transport refuses the request.

	_, err := client.Classify(context.Background(), []byte("jpeg-bytes"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClassification))
}
