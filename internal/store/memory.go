package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
)

type memoryJob struct {
	job     domain.Job
	clients map[string]struct{}
}

// MemoryJobStore keeps job state in process memory for local development and tests.
// It is only correct for a single instance.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*memoryJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]*memoryJob),
	}
}

func (s *MemoryJobStore) CreateIfAbsent(
	_ context.Context,
	jobID string,
	totalClients int,
	schema domain.Schema,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; ok {
		return false, nil
	}
	now := time.Now().UTC()
	s.jobs[jobID] = &memoryJob{
		job: domain.Job{
			ID:           jobID,
			TotalClients: totalClients,
			Schema:       schema.Clone(),
			Status:       domain.JobStatusCollecting,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		clients: make(map[string]struct{}),
	}
	return true, nil
}

func (s *MemoryJobStore) SetSchemaIfAbsent(_ context.Context, jobID string, schema domain.Schema) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if len(entry.job.Schema) > 0 || len(schema) == 0 {
		return false, nil
	}
	entry.job.Schema = schema.Clone()
	return true, nil
}

func (s *MemoryJobStore) AddClient(_ context.Context, jobID, clientID string) (Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return Membership{}, ErrNotFound
	}
	membership := Membership{TotalClients: entry.job.TotalClients}
	if _, exists := entry.clients[clientID]; exists {
		membership.Count = len(entry.clients)
		return membership, nil
	}
	if len(entry.clients) >= entry.job.TotalClients {
		membership.Count = len(entry.clients)
		return membership, ErrJobFull
	}
	entry.clients[clientID] = struct{}{}
	membership.Count = len(entry.clients)
	membership.Added = true
	return membership, nil
}

func (s *MemoryJobStore) CompareAndSetStatus(_ context.Context, jobID string, t Transition) (bool, error) {
	if err := validTransition(t); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if entry.job.Status != t.From {
		return false, nil
	}
	entry.job.Status = t.To
	entry.job.UpdatedAt = transitionTime(t)
	if t.To == domain.JobStatusAggregating {
		entry.job.AggregationTriggered = true
	}
	if len(t.FinalResult) > 0 {
		entry.job.FinalResult = append([]byte(nil), t.FinalResult...)
	}
	if t.FailureCause != "" {
		entry.job.FailureCause = t.FailureCause
	}
	return true, nil
}

func (s *MemoryJobStore) TouchAggregating(_ context.Context, jobID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return false, ErrNotFound
	}
	if entry.job.Status != domain.JobStatusAggregating {
		return false, nil
	}
	entry.job.UpdatedAt = at.UTC()
	return true, nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := entry.job
	clone.Schema = entry.job.Schema.Clone()
	clone.FinalResult = append([]byte(nil), entry.job.FinalResult...)
	clone.Clients = make([]string, 0, len(entry.clients))
	for clientID := range entry.clients {
		clone.Clients = append(clone.Clients, clientID)
	}
	sort.Strings(clone.Clients)
	return &clone, nil
}

func (s *MemoryJobStore) ListStaleAggregations(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0)
	for id, entry := range s.jobs {
		if entry.job.Status == domain.JobStatusAggregating && entry.job.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func transitionTime(t Transition) time.Time {
	if t.At.IsZero() {
		return time.Now().UTC()
	}
	return t.At.UTC()
}
