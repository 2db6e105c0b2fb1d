package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var contractSchema = domain.Schema{
	{Name: "age", DataType: domain.DataTypeNumeric},
	{Name: "smoker", DataType: domain.DataTypeBoolean},
}

func TestMemoryJobStoreContract(t *testing.T) {
	runJobStoreContract(t, func(t *testing.T) JobStore {
		return NewMemoryJobStore()
	})
}

func TestBadgerJobStoreContract(t *testing.T) {
	runJobStoreContract(t, func(t *testing.T) JobStore {
		s, err := OpenBadgerJobStore("")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

// TestRedisJobStoreContract runs against TEST_REDIS_ADDR when set and an
// in-process miniredis otherwise.
func TestRedisJobStoreContract(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = miniredis.RunT(t).Addr()
	}
	runJobStoreContract(t, func(t *testing.T) JobStore {
		client := redis.NewClient(&redis.Options{Addr: addr})
		require.NoError(t, client.Ping(context.Background()).Err())
		t.Cleanup(func() { _ = client.Close() })
		prefix := fmt.Sprintf("test-%d", time.Now().UnixNano())
		return NewRedisJobStore(client, prefix)
	})
}

func TestPostgresJobStoreContract(t *testing.T) {
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	runJobStoreContract(t, func(t *testing.T) JobStore {
		s, err := NewPostgresJobStore(context.Background(), databaseURL)
		require.NoError(t, err)
		t.Cleanup(s.Close)
		return s
	})
}

// uniqueJobID keeps runs against shared backends independent.
func uniqueJobID(name string) string {
	return fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
}

func runJobStoreContract(t *testing.T, newStore func(t *testing.T) JobStore) {
	ctx := context.Background()

	t.Run("create if absent keeps first writer", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("create")

		created, err := s.CreateIfAbsent(ctx, jobID, 3, contractSchema)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateIfAbsent(ctx, jobID, 7, nil)
		require.NoError(t, err)
		assert.False(t, created)

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, 3, job.TotalClients)
		assert.Equal(t, domain.JobStatusCollecting, job.Status)
		assert.False(t, job.AggregationTriggered)
		require.Len(t, job.Schema, 2)
		assert.Equal(t, "age", job.Schema[0].Name)
		assert.Equal(t, 0, job.DoneCount())
	})

	t.Run("get unknown job", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetJob(ctx, uniqueJobID("missing"))
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.AddClient(ctx, uniqueJobID("missing"), "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("schema is set once", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("schema")
		_, err := s.CreateIfAbsent(ctx, jobID, 2, nil)
		require.NoError(t, err)

		stored, err := s.SetSchemaIfAbsent(ctx, jobID, contractSchema)
		require.NoError(t, err)
		assert.True(t, stored)

		stored, err = s.SetSchemaIfAbsent(ctx, jobID, domain.Schema{{Name: "other", DataType: domain.DataTypeBoolean}})
		require.NoError(t, err)
		assert.False(t, stored)

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		require.Len(t, job.Schema, 2)
		assert.Equal(t, "age", job.Schema[0].Name)
	})

	t.Run("duplicate clients count once", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("dup")
		_, err := s.CreateIfAbsent(ctx, jobID, 3, nil)
		require.NoError(t, err)

		membership, err := s.AddClient(ctx, jobID, "A")
		require.NoError(t, err)
		assert.Equal(t, Membership{Count: 1, TotalClients: 3, Added: true}, membership)

		for i := 0; i < 5; i++ {
			membership, err = s.AddClient(ctx, jobID, "A")
			require.NoError(t, err)
			assert.Equal(t, Membership{Count: 1, TotalClients: 3, Added: false}, membership)
		}

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, []string{"A"}, job.Clients)
	})

	t.Run("participant cap", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("cap")
		_, err := s.CreateIfAbsent(ctx, jobID, 1, nil)
		require.NoError(t, err)

		_, err = s.AddClient(ctx, jobID, "A")
		require.NoError(t, err)

		membership, err := s.AddClient(ctx, jobID, "B")
		assert.ErrorIs(t, err, ErrJobFull)
		assert.Equal(t, 1, membership.Count)

		membership, err = s.AddClient(ctx, jobID, "A")
		require.NoError(t, err)
		assert.Equal(t, 1, membership.Count)
	})

	t.Run("status compare and set", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("cas")
		_, err := s.CreateIfAbsent(ctx, jobID, 1, nil)
		require.NoError(t, err)

		swapped, err := s.CompareAndSetStatus(ctx, jobID, Transition{
			From: domain.JobStatusAggregating,
			To:   domain.JobStatusDone,
		})
		require.NoError(t, err)
		assert.False(t, swapped)

		swapped, err = s.CompareAndSetStatus(ctx, jobID, Transition{
			From: domain.JobStatusCollecting,
			To:   domain.JobStatusAggregating,
		})
		require.NoError(t, err)
		assert.True(t, swapped)

		swapped, err = s.CompareAndSetStatus(ctx, jobID, Transition{
			From: domain.JobStatusCollecting,
			To:   domain.JobStatusAggregating,
		})
		require.NoError(t, err)
		assert.False(t, swapped)

		result := json.RawMessage(`{"status":"COMPLETED"}`)
		swapped, err = s.CompareAndSetStatus(ctx, jobID, Transition{
			From:        domain.JobStatusAggregating,
			To:          domain.JobStatusDone,
			FinalResult: result,
		})
		require.NoError(t, err)
		assert.True(t, swapped)

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusDone, job.Status)
		assert.True(t, job.AggregationTriggered)
		assert.JSONEq(t, string(result), string(job.FinalResult))

		_, err = s.CompareAndSetStatus(ctx, jobID, Transition{
			From: domain.JobStatusDone,
			To:   domain.JobStatusCollecting,
		})
		assert.Error(t, err)
	})

	t.Run("failure cause is persisted", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("fail")
		_, err := s.CreateIfAbsent(ctx, jobID, 1, nil)
		require.NoError(t, err)
		_, err = s.CompareAndSetStatus(ctx, jobID, Transition{From: domain.JobStatusCollecting, To: domain.JobStatusAggregating})
		require.NoError(t, err)

		swapped, err := s.CompareAndSetStatus(ctx, jobID, Transition{
			From:         domain.JobStatusAggregating,
			To:           domain.JobStatusFailed,
			FailureCause: "poll timed out",
		})
		require.NoError(t, err)
		assert.True(t, swapped)

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusFailed, job.Status)
		assert.Equal(t, "poll timed out", job.FailureCause)
		assert.Empty(t, job.FinalResult)
	})

	t.Run("stale aggregations", func(t *testing.T) {
		s := newStore(t)
		staleID := uniqueJobID("stale")
		freshID := uniqueJobID("fresh")
		for _, id := range []string{staleID, freshID} {
			_, err := s.CreateIfAbsent(ctx, id, 1, nil)
			require.NoError(t, err)
		}
		past := time.Now().UTC().Add(-time.Hour)
		_, err := s.CompareAndSetStatus(ctx, staleID, Transition{From: domain.JobStatusCollecting, To: domain.JobStatusAggregating, At: past})
		require.NoError(t, err)
		_, err = s.CompareAndSetStatus(ctx, freshID, Transition{From: domain.JobStatusCollecting, To: domain.JobStatusAggregating})
		require.NoError(t, err)

		ids, err := s.ListStaleAggregations(ctx, time.Now().UTC().Add(-time.Minute))
		require.NoError(t, err)
		assert.Contains(t, ids, staleID)
		assert.NotContains(t, ids, freshID)
	})

	t.Run("touch refreshes only aggregating jobs", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("touch")
		_, err := s.CreateIfAbsent(ctx, jobID, 1, nil)
		require.NoError(t, err)

		touched, err := s.TouchAggregating(ctx, jobID, time.Now())
		require.NoError(t, err)
		assert.False(t, touched, "collecting jobs are not touched")

		past := time.Now().UTC().Add(-time.Hour)
		_, err = s.CompareAndSetStatus(ctx, jobID, Transition{From: domain.JobStatusCollecting, To: domain.JobStatusAggregating, At: past})
		require.NoError(t, err)
		cutoff := time.Now().UTC().Add(-time.Minute)
		ids, err := s.ListStaleAggregations(ctx, cutoff)
		require.NoError(t, err)
		require.Contains(t, ids, jobID)

		touched, err = s.TouchAggregating(ctx, jobID, time.Now())
		require.NoError(t, err)
		assert.True(t, touched)
		ids, err = s.ListStaleAggregations(ctx, cutoff)
		require.NoError(t, err)
		assert.NotContains(t, ids, jobID)

		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), job.UpdatedAt, time.Minute)
		assert.Equal(t, domain.JobStatusAggregating, job.Status)

		_, err = s.TouchAggregating(ctx, uniqueJobID("missing"), time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("job ids with separators stay isolated", func(t *testing.T) {
		s := newStore(t)
		base := uniqueJobID("iso")
		suffixed := base + ":clients"

		_, err := s.CreateIfAbsent(ctx, suffixed, 2, nil)
		require.NoError(t, err)
		_, err = s.AddClient(ctx, suffixed, "a")
		require.NoError(t, err)

		created, err := s.CreateIfAbsent(ctx, base, 2, nil)
		require.NoError(t, err)
		require.True(t, created)
		membership, err := s.AddClient(ctx, base, "b")
		require.NoError(t, err)
		assert.Equal(t, 1, membership.Count)

		job, err := s.GetJob(ctx, suffixed)
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, job.Clients)
		job, err = s.GetJob(ctx, base)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, job.Clients)
	})

	t.Run("concurrent reports complete exactly once", func(t *testing.T) {
		s := newStore(t)
		jobID := uniqueJobID("race")
		const total = 16
		_, err := s.CreateIfAbsent(ctx, jobID, total, nil)
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			winners int32
		)
		for i := 0; i < total; i++ {
			for dup := 0; dup < 2; dup++ {
				wg.Add(1)
				go func(clientID string) {
					defer wg.Done()
					membership, err := s.AddClient(ctx, jobID, clientID)
					if err != nil {
						t.Errorf("add client %s: %v", clientID, err)
						return
					}
					if membership.Count != membership.TotalClients {
						return
					}
					swapped, err := s.CompareAndSetStatus(ctx, jobID, Transition{
						From: domain.JobStatusCollecting,
						To:   domain.JobStatusAggregating,
					})
					if err != nil {
						t.Errorf("compare and set: %v", err)
						return
					}
					if swapped {
						atomic.AddInt32(&winners, 1)
					}
				}(fmt.Sprintf("client-%02d", i))
			}
		}
		wg.Wait()

		assert.Equal(t, int32(1), atomic.LoadInt32(&winners))
		job, err := s.GetJob(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, total, job.DoneCount())
		assert.Equal(t, domain.JobStatusAggregating, job.Status)
	})
}
