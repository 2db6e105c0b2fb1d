// Package dispatch fans a completed aggregation out to the configured result sinks.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/phuslu/log"
)

var ErrAllSinksFailed = errors.New("all enabled result sinks failed")

// Delivery is what every sink receives.
type Delivery struct {
	JobID       string
	Clients     []string
	Result      domain.AggregatedResult
	DeliveredAt time.Time
}

// Sink delivers one result and returns where it went (URL, file path).
type Sink interface {
	Deliver(ctx context.Context, delivery Delivery) (string, error)
}

type SinkResult struct {
	Enabled  bool   `json:"enabled"`
	Success  bool   `json:"success"`
	Location string `json:"location,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Outcome reports every sink separately. Success is true when at least one
// enabled sink succeeded, or when no sink is enabled and the log fallback ran.
type Outcome struct {
	API        SinkResult `json:"api"`
	Filesystem SinkResult `json:"filesystem"`
	Logged     bool       `json:"logged"`
	Success    bool       `json:"success"`
}

func (o Outcome) failures() string {
	parts := make([]string, 0, 2)
	if o.API.Enabled && !o.API.Success {
		parts = append(parts, "api: "+o.API.Error)
	}
	if o.Filesystem.Enabled && !o.Filesystem.Success {
		parts = append(parts, "filesystem: "+o.Filesystem.Error)
	}
	return strings.Join(parts, "; ")
}

type Dispatcher struct {
	api    Sink
	files  Sink
	log    *LogSink
	logger *log.Logger
	now    func() time.Time
}

// NewDispatcher builds a dispatcher; a nil api or files sink is disabled.
func NewDispatcher(api, files Sink, logger *log.Logger) *Dispatcher {
	logger = logging.OrDiscard(logger)
	return &Dispatcher{
		api:    api,
		files:  files,
		log:    NewLogSink(logger),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (d *Dispatcher) Dispatch(
	ctx context.Context,
	jobID string,
	clients []string,
	result domain.AggregatedResult,
) (Outcome, error) {
	delivery := Delivery{
		JobID:       jobID,
		Clients:     clients,
		Result:      result,
		DeliveredAt: d.now(),
	}

	var outcome Outcome
	outcome.API = d.deliver(ctx, "api", d.api, delivery)
	outcome.Filesystem = d.deliver(ctx, "filesystem", d.files, delivery)

	if !outcome.API.Enabled && !outcome.Filesystem.Enabled {
		d.logger.Info().Str("job_id", jobID).Msg("no result sink enabled, logging results")
		_, _ = d.log.Deliver(ctx, delivery)
		outcome.Logged = true
		outcome.Success = true
		return outcome, nil
	}

	outcome.Success = outcome.API.Success || outcome.Filesystem.Success
	if outcome.Success {
		if failures := outcome.failures(); failures != "" {
			d.logger.Warn().Str("job_id", jobID).Str("failures", failures).Msg("result dispatched with partial failure")
		} else {
			d.logger.Info().Str("job_id", jobID).Msg("result dispatched")
		}
		return outcome, nil
	}

	// Nothing reached a durable sink; keep the numbers in the log.
	_, _ = d.log.Deliver(ctx, delivery)
	outcome.Logged = true
	return outcome, fmt.Errorf("%w: %s", ErrAllSinksFailed, outcome.failures())
}

func (d *Dispatcher) deliver(ctx context.Context, name string, sink Sink, delivery Delivery) SinkResult {
	if sink == nil {
		return SinkResult{}
	}
	location, err := sink.Deliver(ctx, delivery)
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", delivery.JobID).Str("sink", name).Msg("result sink failed")
		return SinkResult{Enabled: true, Location: location, Error: err.Error()}
	}
	return SinkResult{Enabled: true, Success: true, Location: location}
}
