// Package aggregation talks to the external secure-aggregation coordinator and
// turns its flat numeric output into per-feature results.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/iago/aggregation-orchestrator/internal/domain"
)

var (
	ErrCoordinatorUnavailable = errors.New("aggregation coordinator unavailable")
	ErrRemoteFailure          = errors.New("aggregation coordinator reported failure")
)

type RemoteStatus string

const (
	RemoteStatusRunning  RemoteStatus = "RUNNING"
	RemoteStatusFinished RemoteStatus = "FINISHED"
	RemoteStatusError    RemoteStatus = "ERROR"
)

type StartRequest struct {
	JobID        string
	Participants []string
	Schema       domain.Schema
}

// StatusReport is one poll answer. Detail carries the coordinator's own status
// string so failures can be recorded verbatim.
type StatusReport struct {
	Status RemoteStatus
	Detail string
}

// Client is the trigger, poll and fetch protocol the driver needs.
type Client interface {
	Start(ctx context.Context, request StartRequest) error
	Status(ctx context.Context, jobID string) (StatusReport, error)
	FetchResult(ctx context.Context, jobID string) ([]float64, error)
}

// remoteHTTPError is a non-2xx answer from the coordinator.
type remoteHTTPError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *remoteHTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Operation, e.StatusCode, e.Message)
}

func (e *remoteHTTPError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return ErrCoordinatorUnavailable
	}
	return ErrRemoteFailure
}

// Retryable reports whether repeating the call can help. Only errors wrapping
// ErrCoordinatorUnavailable qualify; client errors (4xx other than 429) and
// explicit remote failures are final.
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(err, ErrCoordinatorUnavailable)
}
