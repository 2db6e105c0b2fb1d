package httpserver

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, client *http.Client, url string, payload any) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(payload)
	require.NoError(t, err)

	response, err := client.Post(url, "application/json", bytes.NewReader(encoded))
	require.NoError(t, err)
	defer response.Body.Close()
	return response.StatusCode, decodeBody(t, response)
}

func getJSON(t *testing.T, client *http.Client, url string) (int, map[string]any) {
	t.Helper()
	response, err := client.Get(url)
	require.NoError(t, err)
	defer response.Body.Close()
	return response.StatusCode, decodeBody(t, response)
}

func decodeBody(t *testing.T, response *http.Response) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), string(raw))
	}
	return decoded
}

func waitForTerminal(t *testing.T, client *http.Client, baseURL, jobID string) map[string]any {
	t.Helper()
	var body map[string]any
	require.Eventually(t, func() bool {
		status, decoded := getJSON(t, client, fmt.Sprintf("%s/v1/jobs/%s", baseURL, jobID))
		if status != http.StatusOK {
			return false
		}
		body = decoded
		return decoded["status"] == "DONE" || decoded["status"] == "FAILED"
	}, 5*time.Second, 20*time.Millisecond)
	return body
}

func TestWorkflowDeliversResultsToEverySink(t *testing.T) {
	deliveries := make(chan map[string]any, 4)
	resultsAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var document map[string]any
		if err := json.NewDecoder(r.Body).Decode(&document); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		deliveries <- document
		w.WriteHeader(http.StatusCreated)
	}))
	defer resultsAPI.Close()

	resultsDir := t.TempDir()
	dispatcher := dispatch.NewDispatcher(
		dispatch.NewAPISink(dispatch.APISinkConfig{URL: resultsAPI.URL, Timeout: time.Second}),
		dispatch.NewFileSink(resultsDir),
		nil,
	)
	// smoker: 3 non-null answers, 2 true.
	handler, aggregator := newRuntime(t, dispatcher, "COMPLETED", []float64{3, 2})
	server := httptest.NewServer(handler)
	defer server.Close()
	client := server.Client()

	status, body := postJSON(t, client, server.URL+"/v1/updates", map[string]any{
		"jobId":        "study-7",
		"clientId":     "hospital-a",
		"totalClients": 3,
		"schema":       []map[string]any{{"featureName": "smoker", "dataType": "BOOLEAN"}},
	})
	require.Equal(t, http.StatusOK, status, body)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for _, clientID := range []string{"hospital-b", "hospital-c", "hospital-b", "hospital-c"} {
		wg.Add(1)
		go func(clientID string) {
			defer wg.Done()
			status, body := postJSON(t, client, server.URL+"/v1/updates", map[string]any{
				"jobId":    "study-7",
				"clientId": clientID,
			})
			if status != http.StatusOK {
				t.Errorf("report %s: status %d body %v", clientID, status, body)
				return
			}
			if body["justCompleted"] == true {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(clientID)
	}
	wg.Wait()
	assert.Equal(t, 1, completed, "exactly one report completes the job")

	job := waitForTerminal(t, client, server.URL, "study-7")
	require.Equal(t, "DONE", job["status"], job)
	assert.ElementsMatch(t, []string{"hospital-a", "hospital-b", "hospital-c"}, aggregator.participants("study-7"))

	finalResult, ok := job["finalResult"].(map[string]any)
	require.True(t, ok, job)
	features := finalResult["decodedFeatures"].([]any)
	require.Len(t, features, 1)
	smoker := features[0].(map[string]any)
	assert.Equal(t, "smoker", smoker["featureName"])
	assert.Equal(t, float64(3), smoker["aggregatedNotNull"])

	select {
	case document := <-deliveries:
		assert.Equal(t, "study-7", document["jobId"])
		assert.Equal(t, float64(3), document["totalClients"])
		assert.Len(t, document["aggregatedResults"], 1)
	case <-time.After(3 * time.Second):
		t.Fatal("results API never received the result")
	}

	require.Eventually(t, func() bool {
		files, _ := filepath.Glob(filepath.Join(resultsDir, "study-7_summary_*.yaml"))
		return len(files) == 1
	}, 3*time.Second, 20*time.Millisecond)
	files, err := filepath.Glob(filepath.Join(resultsDir, "study-7_results_*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	raw, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name": "percentage"`)
	assert.Contains(t, string(raw), `66.67`)
}

func TestWorkflowRecordsRemoteFailure(t *testing.T) {
	handler, _ := newRuntime(t, dispatch.NewDispatcher(nil, nil, nil), "FAILED", nil)
	server := httptest.NewServer(handler)
	defer server.Close()
	client := server.Client()

	status, _ := postJSON(t, client, server.URL+"/v1/updates", map[string]any{
		"jobId":        "study-8",
		"clientId":     "hospital-a",
		"totalClients": 1,
	})
	require.Equal(t, http.StatusOK, status)

	job := waitForTerminal(t, client, server.URL, "study-8")
	assert.Equal(t, "FAILED", job["status"])
	assert.Contains(t, job["failureCause"], "FAILED")
	assert.Nil(t, job["finalResult"])
}
