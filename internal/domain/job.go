package domain

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusCollecting  JobStatus = "COLLECTING"
	JobStatusAggregating JobStatus = "AGGREGATING"
	JobStatusDone        JobStatus = "DONE"
	JobStatusFailed      JobStatus = "FAILED"
)

// CanTransition reports whether from -> to is a legal forward transition.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusCollecting:
		return to == JobStatusAggregating
	case JobStatusAggregating:
		return to == JobStatusDone || to == JobStatusFailed
	default:
		return false
	}
}

func (s JobStatus) Terminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// Job is a snapshot of one aggregation job as held by the job store.
// DoneCount is always len(Clients); it is never persisted on its own.
type Job struct {
	ID                   string
	TotalClients         int
	Schema               Schema
	Clients              []string
	Status               JobStatus
	AggregationTriggered bool
	FinalResult          json.RawMessage
	FailureCause         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

func (j *Job) DoneCount() int {
	return len(j.Clients)
}

// AggregationRequest is the transport format handed from the update path to the driver.
type AggregationRequest struct {
	JobID       string    `json:"job_id"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}
