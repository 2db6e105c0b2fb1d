package aggregation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type HTTPClientConfig struct {
	BaseURL         string
	ComputationType string
	Timeout         time.Duration
	HTTPClient      *http.Client
}

// HTTPClient speaks the coordinator's REST API:
//
//	POST {base}/api/secure-aggregation/job-id/{jobId}
//	GET  {base}/api/get-result/job-id/{jobId}
type HTTPClient struct {
	baseURL         string
	computationType string
	timeout         time.Duration
	httpClient      *http.Client
}

func NewHTTPClient(config HTTPClientConfig) *HTTPClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "http://localhost:12314"
	}
	if strings.TrimSpace(config.ComputationType) == "" {
		config.ComputationType = "sum"
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &HTTPClient{
		baseURL:         strings.TrimSuffix(config.BaseURL, "/"),
		computationType: config.ComputationType,
		timeout:         config.Timeout,
		httpClient:      config.HTTPClient,
	}
}

type startPayload struct {
	ComputationType string   `json:"computationType"`
	Clients         []string `json:"clients"`
	Schema          any      `json:"schema,omitempty"`
}

type resultPayload struct {
	Status            string    `json:"status"`
	ComputationOutput []float64 `json:"computationOutput"`
	Message           string    `json:"message,omitempty"`
}

func (c *HTTPClient) Start(ctx context.Context, request StartRequest) error {
	payload := startPayload{
		ComputationType: c.computationType,
		Clients:         request.Participants,
	}
	if len(request.Schema) > 0 {
		payload.Schema = request.Schema
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal start payload: %w", err)
	}
	_, err = c.do(ctx, "start", http.MethodPost, c.jobURL("/api/secure-aggregation/job-id/", request.JobID), encoded)
	return err
}

func (c *HTTPClient) Status(ctx context.Context, jobID string) (StatusReport, error) {
	result, err := c.getResult(ctx, "status", jobID)
	if err != nil {
		return StatusReport{}, err
	}
	detail := result.Status
	if result.Message != "" {
		detail = result.Status + ": " + result.Message
	}
	switch strings.ToUpper(result.Status) {
	case "COMPLETED", "FINISHED":
		return StatusReport{Status: RemoteStatusFinished, Detail: detail}, nil
	case "FAILED", "ERROR":
		return StatusReport{Status: RemoteStatusError, Detail: detail}, nil
	default:
		return StatusReport{Status: RemoteStatusRunning, Detail: detail}, nil
	}
}

func (c *HTTPClient) FetchResult(ctx context.Context, jobID string) ([]float64, error) {
	result, err := c.getResult(ctx, "fetch", jobID)
	if err != nil {
		return nil, err
	}
	status := strings.ToUpper(result.Status)
	if status != "COMPLETED" && status != "FINISHED" {
		return nil, fmt.Errorf("%w: result requested while status is %q", ErrRemoteFailure, result.Status)
	}
	if result.ComputationOutput == nil {
		return nil, fmt.Errorf("%w: completed result without computationOutput", ErrRemoteFailure)
	}
	return result.ComputationOutput, nil
}

func (c *HTTPClient) getResult(ctx context.Context, operation, jobID string) (resultPayload, error) {
	body, err := c.do(ctx, operation, http.MethodGet, c.jobURL("/api/get-result/job-id/", jobID), nil)
	if err != nil {
		return resultPayload{}, err
	}
	var result resultPayload
	if err := json.Unmarshal(body, &result); err != nil {
		return resultPayload{}, fmt.Errorf("decode %s response: %w", operation, err)
	}
	return result, nil
}

func (c *HTTPClient) jobURL(path, jobID string) string {
	return c.baseURL + path + url.PathEscape(jobID)
}

func (c *HTTPClient) do(ctx context.Context, operation, method, target string, payload []byte) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	httpRequest, err := http.NewRequestWithContext(timeoutCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", operation, err)
	}
	httpRequest.Header.Set("Accept", "application/json")
	if payload != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s timeout: %v", ErrCoordinatorUnavailable, operation, err)
		}
		return nil, fmt.Errorf("%w: %s transport error: %v", ErrCoordinatorUnavailable, operation, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s body: %v", ErrCoordinatorUnavailable, operation, err)
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		return nil, &remoteHTTPError{
			Operation:  operation,
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
	}
	return body, nil
}
