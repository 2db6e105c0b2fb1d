package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/aggregation"
	"github.com/iago/aggregation-orchestrator/internal/dispatch"
	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/quality"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/phuslu/log"
)

var (
	ErrTriggerFailed = errors.New("aggregation trigger failed")
	ErrPollFailed    = errors.New("aggregation poll failed")
	ErrPollTimeout   = errors.New("aggregation poll timed out")
	ErrFetchFailed   = errors.New("aggregation result fetch failed")
)

const storeAttempts = 3

type DriverConfig struct {
	PollInterval       time.Duration
	PollTimeout        time.Duration
	MaxPollErrors      int
	TriggerMaxAttempts int
	FetchMaxAttempts   int
	RetryBackoff       time.Duration
}

func (c DriverConfig) withDefaults() DriverConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Minute
	}
	if c.MaxPollErrors <= 0 {
		c.MaxPollErrors = 5
	}
	if c.TriggerMaxAttempts <= 0 {
		c.TriggerMaxAttempts = 3
	}
	if c.FetchMaxAttempts <= 0 {
		c.FetchMaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	return c
}

// ResultDispatcher is satisfied by *dispatch.Dispatcher.
type ResultDispatcher interface {
	Dispatch(ctx context.Context, jobID string, clients []string, result domain.AggregatedResult) (dispatch.Outcome, error)
}

// Driver takes one job from AGGREGATING to DONE or FAILED: trigger, poll,
// fetch, persist, dispatch. Every failure that ends the job is stored as its
// failure cause.
type Driver struct {
	store      store.JobStore
	client     aggregation.Client
	dispatcher ResultDispatcher
	validator  *quality.OutputValidator
	config     DriverConfig
	logger     *log.Logger
	now        func() time.Time
}

func NewDriver(
	jobs store.JobStore,
	client aggregation.Client,
	dispatcher ResultDispatcher,
	config DriverConfig,
	logger *log.Logger,
) *Driver {
	return &Driver{
		store:      jobs,
		client:     client,
		dispatcher: dispatcher,
		validator:  quality.NewOutputValidator(),
		config:     config.withDefaults(),
		logger:     logging.OrDiscard(logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run drives jobID. It returns nil once the job reached a terminal state (or
// was not in AGGREGATING to begin with); an error means the outcome could not
// be persisted and the job is still AGGREGATING.
func (d *Driver) Run(ctx context.Context, jobID string) error {
	var job *domain.Job
	err := d.retry(ctx, "load job", storeAttempts, isTransientStoreError, func(ctx context.Context) error {
		var getErr error
		job, getErr = d.store.GetJob(ctx, jobID)
		return getErr
	})
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job.Status != domain.JobStatusAggregating {
		d.logger.Debug().Str("job_id", jobID).Str("status", string(job.Status)).Msg("job not aggregating, skipping")
		return nil
	}

	started := d.now()
	result, err := d.aggregate(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return d.fail(ctx, jobID, err)
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return d.fail(ctx, jobID, fmt.Errorf("encode final result: %w", err))
	}
	swapped, err := d.transition(ctx, jobID, store.Transition{
		From:        domain.JobStatusAggregating,
		To:          domain.JobStatusDone,
		FinalResult: encoded,
	})
	if err != nil {
		return fmt.Errorf("persist result for %s: %w", jobID, err)
	}
	if !swapped {
		d.logger.Warn().Str("job_id", jobID).Msg("job left AGGREGATING before its result was stored, dropping result")
		return nil
	}
	d.logger.Info().Str("job_id", jobID).Int("features", len(result.DecodedFeatures)).
		Dur("elapsed", d.now().Sub(started)).Msg("aggregation done")

	outcome, err := d.dispatcher.Dispatch(ctx, jobID, job.Clients, result)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", jobID).
			Bool("api_enabled", outcome.API.Enabled).Str("api_error", outcome.API.Error).
			Bool("filesystem_enabled", outcome.Filesystem.Enabled).Str("filesystem_error", outcome.Filesystem.Error).
			Msg("result dispatch failed")
	}
	return nil
}

func (d *Driver) aggregate(ctx context.Context, job *domain.Job) (domain.AggregatedResult, error) {
	err := d.retry(ctx, "trigger", d.config.TriggerMaxAttempts, aggregation.Retryable, func(ctx context.Context) error {
		return d.client.Start(ctx, aggregation.StartRequest{
			JobID:        job.ID,
			Participants: job.Clients,
			Schema:       job.Schema,
		})
	})
	if err != nil {
		return domain.AggregatedResult{}, fmt.Errorf("%w: %w", ErrTriggerFailed, err)
	}
	d.logger.Info().Str("job_id", job.ID).Strs("participants", job.Clients).Msg("aggregation triggered")

	if err := d.poll(ctx, job.ID); err != nil {
		return domain.AggregatedResult{}, err
	}

	var output []float64
	err = d.retry(ctx, "fetch", d.config.FetchMaxAttempts, aggregation.Retryable, func(ctx context.Context) error {
		var fetchErr error
		output, fetchErr = d.client.FetchResult(ctx, job.ID)
		return fetchErr
	})
	if err != nil {
		return domain.AggregatedResult{}, fmt.Errorf("%w: %w", ErrFetchFailed, err)
	}

	report := d.validator.ValidateAggregate(job.Schema, output)
	if !report.OK() {
		d.logger.Warn().Str("job_id", job.ID).Strs("issues", report.Issues).Msg("aggregated output failed sanity checks")
	}

	return domain.AggregatedResult{
		JobID:             job.ID,
		Status:            "COMPLETED",
		ComputationOutput: output,
		DecodedFeatures:   aggregation.Decode(job.Schema, output, d.logger),
		Participants:      job.Clients,
		Warnings:          report.Issues,
		CompletedAt:       d.now(),
	}, nil
}

// poll asks for the remote status immediately and then every PollInterval
// until FINISHED, ERROR, MaxPollErrors consecutive failures or PollTimeout.
func (d *Driver) poll(ctx context.Context, jobID string) error {
	pollCtx, cancel := context.WithTimeout(ctx, d.config.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		report, err := d.client.Status(pollCtx, jobID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if pollCtx.Err() != nil {
				return fmt.Errorf("%w after %s", ErrPollTimeout, d.config.PollTimeout)
			}
			consecutiveErrors++
			d.logger.Warn().Err(err).Str("job_id", jobID).Int("consecutive_errors", consecutiveErrors).Msg("aggregation poll error")
			if consecutiveErrors >= d.config.MaxPollErrors {
				return fmt.Errorf("%w: %w", ErrPollFailed, err)
			}
		case report.Status == aggregation.RemoteStatusFinished:
			return nil
		case report.Status == aggregation.RemoteStatusError:
			return fmt.Errorf("%w: %w: %s", ErrPollFailed, aggregation.ErrRemoteFailure, report.Detail)
		default:
			consecutiveErrors = 0
			d.logger.Debug().Str("job_id", jobID).Str("remote_status", report.Detail).Msg("aggregation in progress")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pollCtx.Done():
			return fmt.Errorf("%w after %s", ErrPollTimeout, d.config.PollTimeout)
		case <-ticker.C:
		}
	}
}

func (d *Driver) fail(ctx context.Context, jobID string, cause error) error {
	d.logger.Error().Err(cause).Str("job_id", jobID).Msg("aggregation failed")
	swapped, err := d.transition(ctx, jobID, store.Transition{
		From:         domain.JobStatusAggregating,
		To:           domain.JobStatusFailed,
		FailureCause: cause.Error(),
	})
	if err != nil {
		return fmt.Errorf("persist failure for %s: %w", jobID, err)
	}
	if !swapped {
		d.logger.Warn().Str("job_id", jobID).Msg("job already left AGGREGATING, failure not recorded")
	}
	return nil
}

func (d *Driver) transition(ctx context.Context, jobID string, t store.Transition) (bool, error) {
	swapped := false
	err := d.retry(ctx, "store transition", storeAttempts, isTransientStoreError, func(ctx context.Context) error {
		var casErr error
		swapped, casErr = d.store.CompareAndSetStatus(ctx, jobID, t)
		return casErr
	})
	return swapped, err
}

func (d *Driver) retry(
	ctx context.Context,
	operation string,
	attempts int,
	retryable func(error) bool,
	call func(context.Context) error,
) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = call(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			break
		}

		backoff := d.config.RetryBackoff * time.Duration(attempt+1)
		d.logger.Warn().Err(lastErr).Str("operation", operation).Int("attempt", attempt+1).
			Dur("backoff", backoff).Msg("retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func isTransientStoreError(err error) bool {
	return errors.Is(err, store.ErrUnavailable)
}
