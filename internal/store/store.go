package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
)

var (
	ErrNotFound    = errors.New("job not found")
	ErrUnavailable = errors.New("job store unavailable")
	// ErrJobFull is returned when a new client reports for a job that already
	// holds totalClients distinct clients.
	ErrJobFull = errors.New("job already has all participants")
)

// Membership is the outcome of an idempotent client insertion.
type Membership struct {
	Count        int
	TotalClients int
	Added        bool
}

// Transition is a compare-and-set on a job's status. FinalResult and
// FailureCause are written in the same atomic step when non-empty.
type Transition struct {
	From         domain.JobStatus
	To           domain.JobStatus
	FinalResult  json.RawMessage
	FailureCause string
	At           time.Time
}

// JobStore is the shared job state. Every method is atomic per job id and
// safe under arbitrary interleaving across processes sharing the backend.
type JobStore interface {
	// CreateIfAbsent creates a COLLECTING job; it reports false when the job already exists.
	CreateIfAbsent(ctx context.Context, jobID string, totalClients int, schema domain.Schema) (bool, error)
	// SetSchemaIfAbsent stores schema only when the job has none yet.
	SetSchemaIfAbsent(ctx context.Context, jobID string, schema domain.Schema) (bool, error)
	// AddClient inserts clientID into the reported set and returns the resulting cardinality.
	AddClient(ctx context.Context, jobID, clientID string) (Membership, error)
	// CompareAndSetStatus applies t only when the current status equals t.From.
	CompareAndSetStatus(ctx context.Context, jobID string, t Transition) (bool, error)
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	// TouchAggregating refreshes UpdatedAt of an AGGREGATING job so the reaper
	// sees it as owned; it reports false when the job is in any other status.
	TouchAggregating(ctx context.Context, jobID string, at time.Time) (bool, error)
	// ListStaleAggregations returns ids of AGGREGATING jobs last updated before cutoff.
	ListStaleAggregations(ctx context.Context, cutoff time.Time) ([]string, error)
}

func validTransition(t Transition) error {
	if !domain.CanTransition(t.From, t.To) {
		return errors.New("illegal status transition " + string(t.From) + " -> " + string(t.To))
	}
	return nil
}
