package queue

import (
	"context"

	"github.com/iago/aggregation-orchestrator/internal/domain"
)

// Producer hands a fully reported job to the aggregation driver.
type Producer interface {
	Enqueue(ctx context.Context, request domain.AggregationRequest) error
}

// Consumer receives aggregation requests and runs handler for each one.
// A handler error schedules a retry until the backend's attempt limit moves
// the request to its dead-letter store.
type Consumer interface {
	Consume(ctx context.Context, handler func(context.Context, domain.AggregationRequest) error) error
}
