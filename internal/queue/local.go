package queue

import (
	"context"
	"sync"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/iago/aggregation-orchestrator/internal/logging"
	"github.com/phuslu/log"
)

// LocalQueue is an in-process queue used when Redis is not configured.
type LocalQueue struct {
	ch          chan domain.AggregationRequest
	maxAttempts int
	retryDelay  time.Duration
	logger      *log.Logger

	dlqMu sync.Mutex
	dlq   []domain.AggregationRequest
}

func NewLocalQueue(bufferSize, maxAttempts int, logger *log.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &LocalQueue{
		ch:          make(chan domain.AggregationRequest, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logging.OrDiscard(logger),
		dlq:         make([]domain.AggregationRequest, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, request domain.AggregationRequest) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- request:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler func(context.Context, domain.AggregationRequest) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case request := <-q.ch:
			err := handler(ctx, request)
			if err == nil {
				continue
			}

			request.Attempt++
			if request.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, request)
				q.dlqMu.Unlock()
				q.logger.Error().Err(err).Str("job_id", request.JobID).Int("attempt", request.Attempt).
					Msg("local queue moved request to DLQ")
				continue
			}

			delay := time.Duration(request.Attempt) * q.retryDelay
			go func(retry domain.AggregationRequest) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
				select {
				case <-ctx.Done():
				case q.ch <- retry:
				}
			}(request)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
