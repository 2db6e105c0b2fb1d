// Command loadtest drives many jobs through the update API concurrently and
// checks that every job completes exactly once. Without -target it runs
// against an in-process server backed by a fake aggregation coordinator.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/aggregation"
	"github.com/iago/aggregation-orchestrator/internal/dispatch"
	httpserver "github.com/iago/aggregation-orchestrator/internal/http"
	"github.com/iago/aggregation-orchestrator/internal/http/handlers"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/queue"
	"github.com/iago/aggregation-orchestrator/internal/service"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/iago/aggregation-orchestrator/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type completionResult struct {
	Jobs           int     `json:"jobs"`
	Done           int     `json:"done"`
	Failed         int     `json:"failed"`
	Pending        int     `json:"pending"`
	JustCompleted  int64   `json:"just_completed"`
	ExactlyOnce    bool    `json:"exactly_once"`
	MaxWaitSeconds float64 `json:"max_wait_seconds"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	Results        []scenarioResult `json:"results"`
	Completion     completionResult `json:"completion"`
}

type benchmarkEnv struct {
	baseURL string
	close   func()
}

func main() {
	target := flag.String("target", "", "base URL of a running orchestrator; empty starts an in-process one")
	jobsTotal := flag.Int("jobs", 200, "number of jobs")
	clientsPerJob := flag.Int("clients", 5, "clients reporting per job")
	duplicates := flag.Int("duplicates", 1, "extra duplicate reports per client")
	concurrency := flag.Int("concurrency", 32, "concurrent report senders")
	statusTotal := flag.Int("status-total", 400, "total status requests")
	waitTimeout := flag.Duration("wait", 60*time.Second, "how long to wait for jobs to finish")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger := logging.New("info", "console")

	env := benchmarkEnv{baseURL: strings.TrimSuffix(*target, "/"), close: func() {}}
	environment := "remote"
	if env.baseURL == "" {
		env = startBenchmarkEnvironment()
		environment = "local-httptest"
	}
	defer env.close()

	client := &http.Client{Timeout: 10 * time.Second}
	runID := time.Now().UTC().Format("20060102150405")
	jobID := func(index int) string { return fmt.Sprintf("load-%s-%d", runID, index) }

	reportsPerJob := *clientsPerJob * (1 + *duplicates)
	var justCompleted int64

	reports := runScenario("updates", *jobsTotal*reportsPerJob, *concurrency, func(index int) error {
		job := index % *jobsTotal
		clientIndex := (index / *jobsTotal) % *clientsPerJob
		payload := map[string]any{
			"jobId":        jobID(job),
			"clientId":     fmt.Sprintf("client-%d", clientIndex),
			"totalClients": *clientsPerJob,
			"schema":       []map[string]any{{"featureName": "smoker", "dataType": "BOOLEAN"}},
		}
		var body struct {
			JustCompleted bool `json:"justCompleted"`
		}
		if err := postJSON(client, env.baseURL+"/v1/updates", payload, &body); err != nil {
			return err
		}
		if body.JustCompleted {
			atomic.AddInt64(&justCompleted, 1)
		}
		return nil
	})

	statuses := runScenario("job_status", *statusTotal, *concurrency, func(index int) error {
		return getJSON(client, env.baseURL+"/v1/jobs/"+jobID(index%*jobsTotal), nil)
	})

	completion := waitForCompletion(client, env.baseURL, *jobsTotal, jobID, *waitTimeout)
	completion.JustCompleted = atomic.LoadInt64(&justCompleted)
	completion.ExactlyOnce = completion.JustCompleted == int64(*jobsTotal)

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    environment,
		Results:        []scenarioResult{reports, statuses},
		Completion:     completion,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.Fatal().Err(err).Msg("marshal benchmark report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.Fatal().Err(err).Str("path", *outputPath).Msg("write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))

	if !completion.ExactlyOnce || completion.Done != *jobsTotal {
		env.close()
		os.Exit(1)
	}
}

func startBenchmarkEnvironment() benchmarkEnv {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.Discard()

	aggregator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			_, _ = w.Write([]byte(`{"status":"STARTED"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"COMPLETED","computationOutput":[5,3]}`))
	}))

	jobs := store.NewMemoryJobStore()
	localQueue := queue.NewLocalQueue(4096, 3, logger)
	driver := worker.NewDriver(
		jobs,
		aggregation.NewHTTPClient(aggregation.HTTPClientConfig{BaseURL: aggregator.URL, Timeout: 5 * time.Second}),
		dispatch.NewDispatcher(nil, nil, logger),
		worker.DriverConfig{PollInterval: 20 * time.Millisecond, PollTimeout: 30 * time.Second},
		logger,
	)
	processor := worker.NewProcessor(localQueue, driver, jobs, 64, logger)
	go processor.Start(ctx)

	api := handlers.NewAPI(service.NewCoordinator(jobs, localQueue, logger), "memory", logger)
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})
	server := httptest.NewServer(router)

	var once sync.Once
	return benchmarkEnv{
		baseURL: server.URL,
		close: func() {
			once.Do(func() {
				server.Close()
				cancel()
				processor.Wait()
				aggregator.Close()
			})
		},
	}
}

func runScenario(name string, total int, concurrency int, requestFn func(index int) error) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	indexes := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		indexes <- i
	}
	close(indexes)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range indexes {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

// waitForCompletion polls every job until it is terminal or timeout elapses.
func waitForCompletion(
	client *http.Client,
	baseURL string,
	total int,
	jobID func(int) string,
	timeout time.Duration,
) completionResult {
	started := time.Now()
	deadline := started.Add(timeout)
	result := completionResult{Jobs: total}

	pending := make(map[int]struct{}, total)
	for i := 0; i < total; i++ {
		pending[i] = struct{}{}
	}
	for len(pending) > 0 && time.Now().Before(deadline) {
		for index := range pending {
			var body struct {
				Status string `json:"status"`
			}
			if err := getJSON(client, baseURL+"/v1/jobs/"+jobID(index), &body); err != nil {
				continue
			}
			switch body.Status {
			case "DONE":
				result.Done++
			case "FAILED":
				result.Failed++
			default:
				continue
			}
			delete(pending, index)
		}
		if len(pending) > 0 {
			time.Sleep(100 * time.Millisecond)
		}
	}
	result.Pending = len(pending)
	result.MaxWaitSeconds = round2(time.Since(started).Seconds())
	return result
}

func postJSON(client *http.Client, url string, payload any, target any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	return doJSON(client, request, target)
}

func getJSON(client *http.Client, url string, target any) error {
	request, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	return doJSON(client, request, target)
}

func doJSON(client *http.Client, request *http.Request, target any) error {
	request.Header.Set("Accept", "application/json")
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", response.StatusCode, string(body))
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, response.Body)
		return nil
	}
	return json.NewDecoder(response.Body).Decode(target)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
