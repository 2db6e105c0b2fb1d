package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var deliveredAt = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)

func sampleResult() domain.AggregatedResult {
	return domain.AggregatedResult{
		JobID:             "J1",
		Status:            "COMPLETED",
		ComputationOutput: []float64{8, 3},
		DecodedFeatures: []domain.FeatureResult{{
			FeatureName: "smoker",
			DataType:    domain.DataTypeBoolean,
			NotNull:     8,
			Metrics: []domain.Metric{
				{Name: "aggregatedTrue", Value: 3},
				{Name: "percentage", Value: 37.5},
			},
		}},
		Participants: []string{"A", "B"},
		CompletedAt:  deliveredAt,
	}
}

func newTestDispatcher(api, files Sink, buf *bytes.Buffer) *Dispatcher {
	dispatcher := NewDispatcher(api, files, logging.To(buf))
	dispatcher.now = func() time.Time { return deliveredAt }
	return dispatcher
}

func TestDispatchLogFallbackWhenAllSinksDisabled(t *testing.T) {
	var buf bytes.Buffer
	dispatcher := newTestDispatcher(nil, nil, &buf)

	outcome, err := dispatcher.Dispatch(context.Background(), "J1", []string{"A", "B"}, sampleResult())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.True(t, outcome.Logged)
	assert.False(t, outcome.API.Enabled)
	assert.False(t, outcome.Filesystem.Enabled)

	logged := buf.String()
	assert.Contains(t, logged, "aggregated feature")
	assert.Contains(t, logged, `"feature":"smoker"`)
	assert.Contains(t, logged, `"percentage":37.5`)
}

func TestDispatchAPIFailsFilesystemSucceeds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("down"))
	}))
	defer server.Close()

	dir := t.TempDir()
	var buf bytes.Buffer
	dispatcher := newTestDispatcher(
		NewAPISink(APISinkConfig{URL: server.URL, Timeout: time.Second}),
		NewFileSink(dir),
		&buf,
	)

	outcome, err := dispatcher.Dispatch(context.Background(), "J1", []string{"A", "B"}, sampleResult())
	require.NoError(t, err)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.Logged)
	assert.True(t, outcome.API.Enabled)
	assert.False(t, outcome.API.Success)
	assert.Contains(t, outcome.API.Error, "500")
	assert.True(t, outcome.Filesystem.Success)
	assert.Equal(t, filepath.Join(dir, "J1_results_20240506_070809.json"), outcome.Filesystem.Location)
	assert.Contains(t, buf.String(), "partial failure")
}

func TestDispatchAllEnabledSinksFail(t *testing.T) {
	blocked := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0o600))

	var buf bytes.Buffer
	dispatcher := newTestDispatcher(
		NewAPISink(APISinkConfig{URL: ""}),
		NewFileSink(filepath.Join(blocked, "results")),
		&buf,
	)

	outcome, err := dispatcher.Dispatch(context.Background(), "J1", nil, sampleResult())
	require.ErrorIs(t, err, ErrAllSinksFailed)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.Logged)
	assert.NotEmpty(t, outcome.API.Error)
	assert.NotEmpty(t, outcome.Filesystem.Error)
	assert.Contains(t, buf.String(), "aggregated feature")
}

func TestAPISinkPayload(t *testing.T) {
	payloads := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		payloads <- payload
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewAPISink(APISinkConfig{URL: server.URL, Timeout: time.Second})
	location, err := sink.Deliver(context.Background(), Delivery{
		JobID:       "J1",
		Clients:     []string{"A", "B"},
		Result:      sampleResult(),
		DeliveredAt: deliveredAt,
	})
	require.NoError(t, err)
	assert.Equal(t, server.URL, location)

	payload := <-payloads
	assert.Equal(t, "J1", payload["jobId"])
	assert.Equal(t, []any{"A", "B"}, payload["clientList"])
	assert.Equal(t, 2.0, payload["totalClients"])
	assert.NotEmpty(t, payload["deliveryId"])
	metadata, ok := payload["metadata"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 1.0, metadata["totalFeatures"])
	results, ok := payload["aggregatedResults"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
}

func TestFileSinkWritesResultsAndSummary(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "results")
	sink := NewFileSink(dir)

	location, err := sink.Deliver(context.Background(), Delivery{
		JobID:       "J1",
		Clients:     []string{"A", "B"},
		Result:      sampleResult(),
		DeliveredAt: deliveredAt,
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(location)
	require.NoError(t, err)
	var document resultDocument
	require.NoError(t, json.Unmarshal(raw, &document))
	assert.Equal(t, "J1", document.JobID)
	assert.Equal(t, location, document.Metadata.SavedAt)
	assert.Equal(t, 2, document.TotalClients)
	require.Len(t, document.AggregatedResults, 1)

	rawSummary, err := os.ReadFile(filepath.Join(dir, "J1_summary_20240506_070809.yaml"))
	require.NoError(t, err)
	var summary resultSummary
	require.NoError(t, yaml.Unmarshal(rawSummary, &summary))
	assert.Equal(t, 1, summary.TotalFeatures)
	assert.Equal(t, "smoker", summary.Features[0].Feature)
	assert.Equal(t, 37.5, summary.Features[0].Metrics[1].Value)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "no temp files left behind")
}
