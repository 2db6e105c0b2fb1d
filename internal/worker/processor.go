package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/iago/aggregation-orchestrator/internal/queue"
	"github.com/phuslu/log"
)

// JobDriver is satisfied by *Driver.
type JobDriver interface {
	Run(ctx context.Context, jobID string) error
}

// Heartbeater marks an AGGREGATING job as still owned. store.JobStore satisfies it.
type Heartbeater interface {
	TouchAggregating(ctx context.Context, jobID string, at time.Time) (bool, error)
}

const defaultHeartbeatInterval = 30 * time.Second

// Processor consumes aggregation requests and runs one driver per job. Drivers
// run concurrently up to maxConcurrent. Requests beyond that wait for a slot
// inside the processor, up to 16 per slot; past that consumption stops.
// Every claimed job, waiting or running, is heartbeated so the Reaper only
// sees jobs whose owner is gone.
type Processor struct {
	consumer       queue.Consumer
	driver         JobDriver
	jobs           Heartbeater
	logger         *log.Logger
	heartbeatEvery time.Duration

	slots    chan struct{}
	pending  chan struct{}
	inFlight sync.Map
	wg       sync.WaitGroup
}

// NewProcessor builds a processor; jobs may be nil to disable heartbeats.
func NewProcessor(
	consumer queue.Consumer,
	driver JobDriver,
	jobs Heartbeater,
	maxConcurrent int,
	logger *log.Logger,
) *Processor {
	if maxConcurrent <= 0 {
		maxConcurrent = 64
	}
	return &Processor{
		consumer:       consumer,
		driver:         driver,
		jobs:           jobs,
		logger:         logging.OrDiscard(logger),
		heartbeatEvery: defaultHeartbeatInterval,
		slots:          make(chan struct{}, maxConcurrent),
		pending:        make(chan struct{}, 16*maxConcurrent),
	}
}

func (p *Processor) Start(ctx context.Context) {
	if p.jobs != nil {
		go p.heartbeat(ctx)
	}
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processRequest)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error().Err(err).Msg("worker consume loop error")

		timer := time.NewTimer(2 * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Wait blocks until every claimed job has been released.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// processRequest claims the job and returns, so the request is acknowledged
// once the processor owns it. The driver starts when a slot frees up. The
// Reaper covers jobs lost to a crash.
func (p *Processor) processRequest(ctx context.Context, request domain.AggregationRequest) error {
	if _, running := p.inFlight.LoadOrStore(request.JobID, struct{}{}); running {
		p.logger.Debug().Str("job_id", request.JobID).Msg("driver already running for job")
		return nil
	}

	select {
	case p.pending <- struct{}{}:
	case <-ctx.Done():
		p.inFlight.Delete(request.JobID)
		return ctx.Err()
	}
	p.touch(ctx, request.JobID)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() { <-p.pending }()
		defer p.inFlight.Delete(request.JobID)

		select {
		case p.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-p.slots }()
		p.drive(ctx, request)
	}()
	return nil
}

func (p *Processor) drive(ctx context.Context, request domain.AggregationRequest) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("job_id", request.JobID).Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).Msg("aggregation driver panicked")
		}
	}()

	p.logger.Info().Str("job_id", request.JobID).Int("attempt", request.Attempt).
		Dur("queued_for", time.Since(request.RequestedAt)).Msg("driving aggregation")
	if err := p.driver.Run(ctx, request.JobID); err != nil && ctx.Err() == nil {
		p.logger.Error().Err(err).Str("job_id", request.JobID).Msg("aggregation driver stopped with job unresolved")
	}
}

func (p *Processor) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.inFlight.Range(func(key, _ any) bool {
				p.touch(ctx, key.(string))
				return ctx.Err() == nil
			})
		}
	}
}

func (p *Processor) touch(ctx context.Context, jobID string) {
	if p.jobs == nil {
		return
	}
	if _, err := p.jobs.TouchAggregating(ctx, jobID, time.Now().UTC()); err != nil && ctx.Err() == nil {
		p.logger.Warn().Err(err).Str("job_id", jobID).Msg("aggregation heartbeat failed")
	}
}
