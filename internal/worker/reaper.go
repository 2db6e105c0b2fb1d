package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/phuslu/log"
	"github.com/robfig/cron/v3"
)

const abandonedCause = "aggregation abandoned: no driver finished within the allowed time"

// Reaper fails AGGREGATING jobs whose last heartbeat is older than maxAge.
// Processors heartbeat every job they hold, so this only happens when the
// owning process died.
type Reaper struct {
	store  store.JobStore
	maxAge time.Duration
	logger *log.Logger
	now    func() time.Time
}

func NewReaper(jobs store.JobStore, maxAge time.Duration, logger *log.Logger) *Reaper {
	return &Reaper{
		store:  jobs,
		maxAge: maxAge,
		logger: logging.OrDiscard(logger),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Sweep fails every stale job and returns how many it moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.maxAge)
	jobIDs, err := r.store.ListStaleAggregations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale aggregations: %w", err)
	}

	reaped := 0
	for _, jobID := range jobIDs {
		swapped, err := r.store.CompareAndSetStatus(ctx, jobID, store.Transition{
			From:         domain.JobStatusAggregating,
			To:           domain.JobStatusFailed,
			FailureCause: abandonedCause,
		})
		if err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID).Msg("reap job failed")
			continue
		}
		if swapped {
			reaped++
			r.logger.Warn().Str("job_id", jobID).Msg("abandoned aggregation marked failed")
		}
	}
	return reaped, nil
}

// Schedule runs Sweep on a cron spec (e.g. "@every 1m") until the returned cron is stopped.
func (r *Reaper) Schedule(spec string) (*cron.Cron, error) {
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Error().Err(err).Msg("reaper sweep failed")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule reaper %q: %w", spec, err)
	}
	scheduler.Start()
	return scheduler, nil
}
