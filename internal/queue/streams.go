package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
)

type StreamsConfig struct {
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int
	Block       time.Duration
}

// StreamsQueue implements Producer and Consumer on a Redis Stream with a consumer
// group, so several orchestrator instances share the driver work.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	block       time.Duration
	logger      *log.Logger
}

// NewStreamsQueue uses an already connected client; the caller owns its lifecycle.
func NewStreamsQueue(ctx context.Context, client *redis.Client, cfg StreamsConfig, logger *log.Logger) (*StreamsQueue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "aggregation_requests"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = cfg.Stream + "_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "aggregation_drivers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "orchestrator-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		block:       cfg.Block,
		logger:      logging.OrDiscard(logger),
	}
	if err := queue.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Enqueue(ctx context.Context, request domain.AggregationRequest) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: requestValues(request),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

func (q *StreamsQueue) Consume(ctx context.Context, handler func(context.Context, domain.AggregationRequest) error) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handle(ctx, item, handler)
			}
		}
	}
}

func (q *StreamsQueue) handle(
	ctx context.Context,
	item redis.XMessage,
	handler func(context.Context, domain.AggregationRequest) error,
) {
	request, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.deadLetter(ctx, request, item, parseErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	handleErr := handler(ctx, request)
	if handleErr == nil {
		q.ack(ctx, item.ID)
		return
	}

	request.Attempt++
	if request.Attempt >= q.maxAttempts {
		q.deadLetter(ctx, request, item, handleErr.Error())
		q.ack(ctx, item.ID)
		return
	}

	if requeueErr := q.Enqueue(ctx, request); requeueErr != nil {
		q.deadLetter(ctx, request, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	q.ack(ctx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ack(ctx context.Context, streamID string) {
	if err := q.ackAndDelete(ctx, streamID); err != nil {
		q.logger.Warn().Err(err).Str("stream_id", streamID).Msg("stream ack failed")
	}
}

func (q *StreamsQueue) ackAndDelete(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamsQueue) deadLetter(ctx context.Context, request domain.AggregationRequest, item redis.XMessage, reason string) {
	values := requestValues(request)
	values["stream_id"] = item.ID
	values["error"] = reason
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		q.logger.Error().Err(err).Str("job_id", request.JobID).Msg("send to dlq failed")
		return
	}
	q.logger.Warn().Str("job_id", request.JobID).Str("reason", reason).Msg("aggregation request moved to DLQ")
}

func requestValues(request domain.AggregationRequest) map[string]any {
	return map[string]any{
		"job_id":       request.JobID,
		"attempt":      request.Attempt,
		"requested_at": request.RequestedAt.UTC().Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.AggregationRequest, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	jobID, err := getString("job_id")
	if err != nil {
		return domain.AggregationRequest{}, err
	}
	if jobID == "" {
		return domain.AggregationRequest{}, errors.New("empty job_id")
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.AggregationRequest{JobID: jobID}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.AggregationRequest{JobID: jobID}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.AggregationRequest{JobID: jobID}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.AggregationRequest{JobID: jobID}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.AggregationRequest{
		JobID:       jobID,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
