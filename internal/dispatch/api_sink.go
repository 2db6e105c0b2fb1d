package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/aggregation-orchestrator/internal/domain"
)

type APISinkConfig struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// APISink POSTs the result to a results API. 200, 201 and 202 count as delivered.
type APISink struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewAPISink(config APISinkConfig) *APISink {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &APISink{
		url:        strings.TrimSpace(config.URL),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
	}
}

type resultMetadata struct {
	TotalFeatures         int       `json:"totalFeatures"`
	ProcessingCompletedAt time.Time `json:"processingCompletedAt"`
	SavedAt               string    `json:"savedAt,omitempty"`
}

type resultDocument struct {
	DeliveryID        string                 `json:"deliveryId,omitempty"`
	JobID             string                 `json:"jobId"`
	Timestamp         time.Time              `json:"timestamp"`
	ClientList        []string               `json:"clientList"`
	TotalClients      int                    `json:"totalClients"`
	AggregatedResults []domain.FeatureResult `json:"aggregatedResults"`
	ComputationOutput []float64              `json:"computationOutput"`
	Warnings          []string               `json:"warnings,omitempty"`
	Metadata          resultMetadata         `json:"metadata"`
}

func newResultDocument(delivery Delivery) resultDocument {
	clients := delivery.Clients
	if clients == nil {
		clients = []string{}
	}
	features := delivery.Result.DecodedFeatures
	if features == nil {
		features = []domain.FeatureResult{}
	}
	completedAt := delivery.Result.CompletedAt
	if completedAt.IsZero() {
		completedAt = delivery.DeliveredAt
	}
	return resultDocument{
		JobID:             delivery.JobID,
		Timestamp:         delivery.DeliveredAt,
		ClientList:        clients,
		TotalClients:      len(clients),
		AggregatedResults: features,
		ComputationOutput: delivery.Result.ComputationOutput,
		Warnings:          delivery.Result.Warnings,
		Metadata: resultMetadata{
			TotalFeatures:         len(features),
			ProcessingCompletedAt: completedAt,
		},
	}
}

func (s *APISink) Deliver(ctx context.Context, delivery Delivery) (string, error) {
	if s.url == "" {
		return "", errors.New("results API URL is not configured")
	}
	document := newResultDocument(delivery)
	document.DeliveryID = uuid.NewString()
	encoded, err := json.Marshal(document)
	if err != nil {
		return s.url, fmt.Errorf("marshal results payload: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, s.url, bytes.NewReader(encoded))
	if err != nil {
		return s.url, fmt.Errorf("create results request: %w", err)
	}
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Idempotency-Key", document.DeliveryID)

	httpResponse, err := s.httpClient.Do(httpRequest)
	if err != nil {
		return s.url, fmt.Errorf("send results: %w", err)
	}
	defer httpResponse.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(httpResponse.Body, 700))

	switch httpResponse.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		return s.url, nil
	default:
		return s.url, fmt.Errorf("results API status %d: %s", httpResponse.StatusCode, strings.TrimSpace(string(body)))
	}
}
