package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalQueueDeliversRequest(t *testing.T) {
	q := NewLocalQueue(4, 3, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, domain.AggregationRequest{JobID: "J1", RequestedAt: time.Now().UTC()}))

	received := make(chan domain.AggregationRequest, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, request domain.AggregationRequest) error {
			received <- request
			return nil
		})
	}()

	select {
	case request := <-received:
		assert.Equal(t, "J1", request.JobID)
	case <-ctx.Done():
		t.Fatal("request was not delivered")
	}
}

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(4, 2, nil)
	q.retryDelay = time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, domain.AggregationRequest{JobID: "J1"}))

	var (
		mu       sync.Mutex
		attempts []int
	)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, request domain.AggregationRequest) error {
			mu.Lock()
			attempts = append(attempts, request.Attempt)
			mu.Unlock()
			return errors.New("boom")
		})
	}()

	require.Eventually(t, func() bool { return q.DLQSize() == 1 }, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestParseStreamMessage(t *testing.T) {
	requestedAt := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	request, err := parseStreamMessage(redis.XMessage{
		ID: "1-0",
		Values: map[string]any{
			"job_id":       "J1",
			"attempt":      "2",
			"requested_at": requestedAt.Format(time.RFC3339Nano),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.AggregationRequest{JobID: "J1", Attempt: 2, RequestedAt: requestedAt}, request)

	_, err = parseStreamMessage(redis.XMessage{ID: "2-0", Values: map[string]any{"job_id": "J1", "attempt": "x"}})
	assert.Error(t, err)

	_, err = parseStreamMessage(redis.XMessage{ID: "3-0", Values: map[string]any{}})
	assert.Error(t, err)
}

func TestStreamsQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	stream := "test_requests_" + time.Now().Format("150405.000000")
	q, err := NewStreamsQueue(ctx, client, StreamsConfig{Stream: stream, Block: 100 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Del(context.Background(), stream, stream+"_dlq").Err() })

	require.NoError(t, q.Enqueue(ctx, domain.AggregationRequest{JobID: "J1", RequestedAt: time.Now().UTC()}))

	received := make(chan string, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = q.Consume(consumeCtx, func(_ context.Context, request domain.AggregationRequest) error {
			received <- request.JobID
			return nil
		})
	}()

	select {
	case jobID := <-received:
		assert.Equal(t, "J1", jobID)
	case <-ctx.Done():
		t.Fatal("request was not consumed")
	}
}
