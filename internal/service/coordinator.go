package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/iago/aggregation-orchestrator/internal/cache"
	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/queue"
	"github.com/iago/aggregation-orchestrator/internal/store"
	"github.com/phuslu/log"
)

const handOffTimeout = 5 * time.Second

// ReportInput is one client's completion report. TotalClients is required only
// on the first report for a job; Schema may arrive on any report until one is stored.
type ReportInput struct {
	JobID        string        `json:"jobId" validate:"required,identifier"`
	ClientID     string        `json:"clientId" validate:"required,identifier"`
	TotalClients *int          `json:"totalClients" validate:"omitempty,min=1,max=1000000"`
	Schema       domain.Schema `json:"schema" validate:"omitempty,dive"`
}

type ReportResult struct {
	Accepted      bool             `json:"accepted"`
	JobID         string           `json:"jobId"`
	ClientID      string           `json:"clientId"`
	Status        domain.JobStatus `json:"status"`
	DoneCount     int              `json:"doneCount"`
	TotalClients  int              `json:"totalClients"`
	JustCompleted bool             `json:"justCompleted"`
	Duplicate     bool             `json:"duplicate"`
}

type Progress struct {
	Percentage float64 `json:"percentage"`
}

// JobStatusView is the read model returned by status queries.
type JobStatusView struct {
	JobID        string           `json:"jobId"`
	Status       domain.JobStatus `json:"status"`
	TotalClients int              `json:"totalClients"`
	DoneCount    int              `json:"doneCount"`
	Clients      []string         `json:"clients"`
	Schema       domain.Schema    `json:"schema"`
	FinalResult  json.RawMessage  `json:"finalResult"`
	FailureCause string           `json:"failureCause,omitempty"`
	Progress     Progress         `json:"progress"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// Coordinator ingests completion reports and decides, exactly once per job,
// when aggregation starts. All coordination goes through the store's atomic
// operations, so any number of Coordinators may share one store.
type Coordinator struct {
	store    store.JobStore
	producer queue.Producer
	validate *validator.Validate
	logger   *log.Logger
	// terminal holds DONE and FAILED views, which never change again.
	terminal *cache.TTLCache[JobStatusView]
}

func NewCoordinator(jobs store.JobStore, producer queue.Producer, logger *log.Logger) *Coordinator {
	return &Coordinator{
		store:    jobs,
		producer: producer,
		validate: newValidator(),
		logger:   logging.OrDiscard(logger),
		terminal: cache.New(cache.Config{TTL: 10 * time.Minute, MaxEntries: 2000}, cloneStatusView),
	}
}

func (c *Coordinator) RecordUpdate(ctx context.Context, input ReportInput) (ReportResult, error) {
	if err := c.validate.Struct(input); err != nil {
		return ReportResult{}, validationError(err)
	}

	created := false
	if input.TotalClients != nil {
		var err error
		created, err = c.store.CreateIfAbsent(ctx, input.JobID, *input.TotalClients, input.Schema)
		if err != nil {
			return ReportResult{}, fmt.Errorf("create job: %w", err)
		}
		if created {
			c.logger.Info().Str("job_id", input.JobID).Int("total_clients", *input.TotalClients).
				Int("schema_features", len(input.Schema)).Msg("job created")
		}
	}

	if !created && len(input.Schema) > 0 {
		stored, err := c.store.SetSchemaIfAbsent(ctx, input.JobID, input.Schema)
		if err != nil {
			return ReportResult{}, c.storeError("set schema", err)
		}
		if stored {
			c.logger.Info().Str("job_id", input.JobID).Str("client_id", input.ClientID).Msg("job schema stored")
		}
	}

	membership, err := c.store.AddClient(ctx, input.JobID, input.ClientID)
	if err != nil {
		return ReportResult{}, c.storeError("add client", err)
	}
	if input.TotalClients != nil && *input.TotalClients != membership.TotalClients {
		c.logger.Debug().Str("job_id", input.JobID).Str("client_id", input.ClientID).
			Int("declared", *input.TotalClients).Int("fixed", membership.TotalClients).
			Msg("ignoring differing totalClients")
	}

	result := ReportResult{
		Accepted:     true,
		JobID:        input.JobID,
		ClientID:     input.ClientID,
		Status:       domain.JobStatusCollecting,
		DoneCount:    membership.Count,
		TotalClients: membership.TotalClients,
		Duplicate:    !membership.Added,
	}

	if membership.Count == membership.TotalClients {
		swapped, err := c.store.CompareAndSetStatus(ctx, input.JobID, store.Transition{
			From: domain.JobStatusCollecting,
			To:   domain.JobStatusAggregating,
		})
		if err != nil {
			return ReportResult{}, c.storeError("start aggregation", err)
		}
		result.JustCompleted = swapped
		result.Status = c.currentStatus(ctx, input.JobID, swapped)
	}

	c.logger.Info().Str("job_id", input.JobID).Str("client_id", input.ClientID).
		Int("done_count", result.DoneCount).Int("total_clients", result.TotalClients).
		Bool("duplicate", result.Duplicate).Bool("just_completed", result.JustCompleted).
		Msg("update recorded")

	if result.JustCompleted {
		if err := c.handOff(ctx, input.JobID); err != nil {
			result.Status = domain.JobStatusFailed
		}
	}
	return result, nil
}

// handOff queues the job for the aggregation driver. It runs detached from the
// request context so a client disconnect cannot strand a job in AGGREGATING.
func (c *Coordinator) handOff(ctx context.Context, jobID string) error {
	handOffCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handOffTimeout)
	defer cancel()

	err := c.producer.Enqueue(handOffCtx, domain.AggregationRequest{
		JobID:       jobID,
		Attempt:     0,
		RequestedAt: time.Now().UTC(),
	})
	if err == nil {
		return nil
	}

	c.logger.Error().Err(err).Str("job_id", jobID).Msg("aggregation hand-off failed")
	if _, failErr := c.store.CompareAndSetStatus(handOffCtx, jobID, store.Transition{
		From:         domain.JobStatusAggregating,
		To:           domain.JobStatusFailed,
		FailureCause: fmt.Sprintf("enqueue aggregation: %v", err),
	}); failErr != nil {
		c.logger.Error().Err(failErr).Str("job_id", jobID).Msg("mark job failed after hand-off error")
	}
	return err
}

func (c *Coordinator) currentStatus(ctx context.Context, jobID string, swapped bool) domain.JobStatus {
	if swapped {
		return domain.JobStatusAggregating
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobStatusAggregating
	}
	return job.Status
}

func (c *Coordinator) GetStatus(ctx context.Context, jobID string) (JobStatusView, error) {
	if err := c.validate.Var(jobID, "required,identifier"); err != nil {
		return JobStatusView{}, fmt.Errorf("%w: jobId must match %s", ErrValidation, identifierPattern)
	}
	if view, ok := c.terminal.Get(jobID); ok {
		return view, nil
	}
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return JobStatusView{}, fmt.Errorf("get job: %w", err)
	}

	view := JobStatusView{
		JobID:        job.ID,
		Status:       job.Status,
		TotalClients: job.TotalClients,
		DoneCount:    job.DoneCount(),
		Clients:      job.Clients,
		Schema:       job.Schema,
		FailureCause: job.FailureCause,
		Progress:     Progress{Percentage: percentage(job.DoneCount(), job.TotalClients)},
		UpdatedAt:    job.UpdatedAt,
	}
	if view.Clients == nil {
		view.Clients = []string{}
	}
	if view.Schema == nil {
		view.Schema = domain.Schema{}
	}
	if job.Status == domain.JobStatusDone && len(job.FinalResult) > 0 {
		view.FinalResult = job.FinalResult
	}
	if job.Status.Terminal() {
		c.terminal.Set(jobID, view)
	}
	return view, nil
}

func cloneStatusView(view JobStatusView) JobStatusView {
	view.Clients = append([]string{}, view.Clients...)
	view.Schema = view.Schema.Clone()
	if view.Schema == nil {
		view.Schema = domain.Schema{}
	}
	if view.FinalResult != nil {
		view.FinalResult = append(json.RawMessage(nil), view.FinalResult...)
	}
	return view
}

func (c *Coordinator) storeError(operation string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return ErrUnknownJob
	}
	return fmt.Errorf("%s: %w", operation, err)
}

func percentage(done, total int) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(done)/float64(total)*10000) / 100
}
