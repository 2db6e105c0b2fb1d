package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/iago/aggregation-orchestrator/internal/domain"
)

const badgerMaxConflictRetries = 64

type badgerRecord struct {
	TotalClients         int              `json:"totalClients"`
	Schema               domain.Schema    `json:"schema,omitempty"`
	Status               domain.JobStatus `json:"status"`
	AggregationTriggered bool             `json:"aggregationTriggered"`
	FinalResult          json.RawMessage  `json:"finalResult,omitempty"`
	FailureCause         string           `json:"failureCause,omitempty"`
	CreatedAt            time.Time        `json:"createdAt"`
	UpdatedAt            time.Time        `json:"updatedAt"`
}

// BadgerJobStore is an embedded single-node store. Every mutation reads and
// rewrites the job record, so concurrent writers on one job always conflict
// and one of them is retried.
type BadgerJobStore struct {
	db *badger.DB
}

// OpenBadgerJobStore opens (or creates) a store in dir; an empty dir keeps data in memory.
func OpenBadgerJobStore(dir string) (*BadgerJobStore, error) {
	options := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		options = options.WithInMemory(true)
	}
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerJobStore{db: db}, nil
}

func (s *BadgerJobStore) Close() error {
	return s.db.Close()
}

func badgerJobKey(jobID string) []byte {
	return []byte("job/" + jobID)
}

func badgerClientPrefix(jobID string) []byte {
	return []byte("client/" + jobID + "/")
}

func (s *BadgerJobStore) CreateIfAbsent(
	ctx context.Context,
	jobID string,
	totalClients int,
	schema domain.Schema,
) (bool, error) {
	created := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		created = false
		_, err := txn.Get(badgerJobKey(jobID))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		now := time.Now().UTC()
		created = true
		return putRecord(txn, jobID, &badgerRecord{
			TotalClients: totalClients,
			Schema:       schema.Clone(),
			Status:       domain.JobStatusCollecting,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *BadgerJobStore) SetSchemaIfAbsent(ctx context.Context, jobID string, schema domain.Schema) (bool, error) {
	if len(schema) == 0 {
		return false, nil
	}
	stored := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		stored = false
		record, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if len(record.Schema) > 0 {
			return nil
		}
		record.Schema = schema.Clone()
		stored = true
		return putRecord(txn, jobID, record)
	})
	if err != nil {
		return false, err
	}
	return stored, nil
}

func (s *BadgerJobStore) AddClient(ctx context.Context, jobID, clientID string) (Membership, error) {
	var membership Membership
	err := s.update(ctx, func(txn *badger.Txn) error {
		membership = Membership{}
		record, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		clients := listClients(txn, jobID)
		membership.TotalClients = record.TotalClients
		membership.Count = len(clients)

		clientKey := append(badgerClientPrefix(jobID), clientID...)
		if _, err := txn.Get(clientKey); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if len(clients) >= record.TotalClients {
			return ErrJobFull
		}
		if err := txn.Set(clientKey, nil); err != nil {
			return err
		}
		// Touching the record makes two concurrent inserts on this job conflict.
		record.UpdatedAt = time.Now().UTC()
		if err := putRecord(txn, jobID, record); err != nil {
			return err
		}
		membership.Count++
		membership.Added = true
		return nil
	})
	if err != nil && !errors.Is(err, ErrJobFull) {
		return Membership{}, err
	}
	return membership, err
}

func (s *BadgerJobStore) CompareAndSetStatus(ctx context.Context, jobID string, t Transition) (bool, error) {
	if err := validTransition(t); err != nil {
		return false, err
	}
	swapped := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		swapped = false
		record, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if record.Status != t.From {
			return nil
		}
		record.Status = t.To
		record.UpdatedAt = transitionTime(t)
		if t.To == domain.JobStatusAggregating {
			record.AggregationTriggered = true
		}
		if len(t.FinalResult) > 0 {
			record.FinalResult = append(json.RawMessage(nil), t.FinalResult...)
		}
		if t.FailureCause != "" {
			record.FailureCause = t.FailureCause
		}
		swapped = true
		return putRecord(txn, jobID, record)
	})
	if err != nil {
		return false, err
	}
	return swapped, nil
}

func (s *BadgerJobStore) TouchAggregating(ctx context.Context, jobID string, at time.Time) (bool, error) {
	touched := false
	err := s.update(ctx, func(txn *badger.Txn) error {
		touched = false
		record, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		if record.Status != domain.JobStatusAggregating {
			return nil
		}
		record.UpdatedAt = at.UTC()
		touched = true
		return putRecord(txn, jobID, record)
	})
	if err != nil {
		return false, err
	}
	return touched, nil
}

func (s *BadgerJobStore) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	var job *domain.Job
	err := s.db.View(func(txn *badger.Txn) error {
		record, err := getRecord(txn, jobID)
		if err != nil {
			return err
		}
		job = &domain.Job{
			ID:                   jobID,
			TotalClients:         record.TotalClients,
			Schema:               record.Schema,
			Clients:              listClients(txn, jobID),
			Status:               record.Status,
			AggregationTriggered: record.AggregationTriggered,
			FinalResult:          record.FinalResult,
			FailureCause:         record.FailureCause,
			CreatedAt:            record.CreatedAt,
			UpdatedAt:            record.UpdatedAt,
		}
		return nil
	})
	if err != nil {
		return nil, badgerError("get job", err)
	}
	return job, nil
}

func (s *BadgerJobStore) ListStaleAggregations(_ context.Context, cutoff time.Time) ([]string, error) {
	ids := make([]string, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		iterator := txn.NewIterator(badger.DefaultIteratorOptions)
		defer iterator.Close()

		prefix := []byte("job/")
		for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
			item := iterator.Item()
			var record badgerRecord
			if err := item.Value(func(value []byte) error {
				return json.Unmarshal(value, &record)
			}); err != nil {
				return err
			}
			if record.Status == domain.JobStatusAggregating && record.UpdatedAt.Before(cutoff) {
				ids = append(ids, strings.TrimPrefix(string(item.Key()), "job/"))
			}
		}
		return nil
	})
	if err != nil {
		return nil, badgerError("list stale aggregations", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *BadgerJobStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < badgerMaxConflictRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := s.db.Update(fn)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return badgerError("update", err)
	}
	return fmt.Errorf("%w: update: too many transaction conflicts", ErrUnavailable)
}

func getRecord(txn *badger.Txn, jobID string) (*badgerRecord, error) {
	item, err := txn.Get(badgerJobKey(jobID))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var record badgerRecord
	if err := item.Value(func(value []byte) error {
		return json.Unmarshal(value, &record)
	}); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &record, nil
}

func putRecord(txn *badger.Txn, jobID string, record *badgerRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", jobID, err)
	}
	return txn.Set(badgerJobKey(jobID), encoded)
}

func listClients(txn *badger.Txn, jobID string) []string {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	iterator := txn.NewIterator(options)
	defer iterator.Close()

	prefix := badgerClientPrefix(jobID)
	clients := make([]string, 0)
	for iterator.Seek(prefix); iterator.ValidForPrefix(prefix); iterator.Next() {
		clients = append(clients, strings.TrimPrefix(string(iterator.Item().Key()), string(prefix)))
	}
	return clients
}

func badgerError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrJobFull) {
		return err
	}
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}
