package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "agg"

// Script results below zero are sentinels, never cardinalities.
const (
	scriptMissing = -2
	scriptFull    = -1
)

var createJobScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1],
	'totalClients', ARGV[1],
	'schema', ARGV[2],
	'status', ARGV[3],
	'aggregationTriggered', '0',
	'finalResult', '',
	'failureCause', '',
	'createdAt', ARGV[4],
	'updatedAt', ARGV[4])
redis.call('DEL', KEYS[2])
return 1
`)

var setSchemaScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -2
end
local current = redis.call('HGET', KEYS[1], 'schema')
if current and current ~= '' then
	return 0
end
redis.call('HSET', KEYS[1], 'schema', ARGV[1])
return 1
`)

var addClientScript = redis.NewScript(`
local total = tonumber(redis.call('HGET', KEYS[1], 'totalClients'))
if not total then
	return {-2, 0, 0}
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return {redis.call('SCARD', KEYS[2]), total, 0}
end
local count = redis.call('SCARD', KEYS[2])
if count >= total then
	return {-1, total, count}
end
redis.call('SADD', KEYS[2], ARGV[1])
return {count + 1, total, 1}
`)

var transitionScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -2
end
if current ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'updatedAt', ARGV[3])
if ARGV[2] == 'AGGREGATING' then
	redis.call('HSET', KEYS[1], 'aggregationTriggered', '1')
	redis.call('ZADD', KEYS[2], ARGV[7], ARGV[6])
else
	redis.call('ZREM', KEYS[2], ARGV[6])
end
if ARGV[4] ~= '' then
	redis.call('HSET', KEYS[1], 'finalResult', ARGV[4])
end
if ARGV[5] ~= '' then
	redis.call('HSET', KEYS[1], 'failureCause', ARGV[5])
end
return 1
`)

var touchScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'status')
if not current then
	return -2
end
if current ~= 'AGGREGATING' then
	return 0
end
redis.call('HSET', KEYS[1], 'updatedAt', ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[2])
return 1
`)

// RedisJobStore keeps one hash and one client set per job. Atomicity comes
// from server-side Lua scripts, so any number of instances can share it.
// Hashes and client sets live under different key namespaces because job
// ids may contain ':'.
type RedisJobStore struct {
	client *redis.Client
	prefix string
}

func NewRedisJobStore(client *redis.Client, prefix string) *RedisJobStore {
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisJobStore{client: client, prefix: prefix}
}

func (s *RedisJobStore) jobKey(jobID string) string {
	return s.prefix + ":job:" + jobID
}

func (s *RedisJobStore) clientsKey(jobID string) string {
	return s.prefix + ":clients:" + jobID
}

func (s *RedisJobStore) aggregatingKey() string {
	return s.prefix + ":jobs:aggregating"
}

func (s *RedisJobStore) CreateIfAbsent(
	ctx context.Context,
	jobID string,
	totalClients int,
	schema domain.Schema,
) (bool, error) {
	encodedSchema, err := encodeSchema(schema)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	created, err := createJobScript.Run(
		ctx,
		s.client,
		[]string{s.jobKey(jobID), s.clientsKey(jobID)},
		totalClients,
		encodedSchema,
		string(domain.JobStatusCollecting),
		now,
	).Int()
	if err != nil {
		return false, unavailable("create job", err)
	}
	return created == 1, nil
}

func (s *RedisJobStore) SetSchemaIfAbsent(ctx context.Context, jobID string, schema domain.Schema) (bool, error) {
	if len(schema) == 0 {
		return false, nil
	}
	encodedSchema, err := encodeSchema(schema)
	if err != nil {
		return false, err
	}
	result, err := setSchemaScript.Run(ctx, s.client, []string{s.jobKey(jobID)}, encodedSchema).Int()
	if err != nil {
		return false, unavailable("set schema", err)
	}
	if result == scriptMissing {
		return false, ErrNotFound
	}
	return result == 1, nil
}

func (s *RedisJobStore) AddClient(ctx context.Context, jobID, clientID string) (Membership, error) {
	values, err := addClientScript.Run(
		ctx,
		s.client,
		[]string{s.jobKey(jobID), s.clientsKey(jobID)},
		clientID,
	).Int64Slice()
	if err != nil {
		return Membership{}, unavailable("add client", err)
	}
	if len(values) != 3 {
		return Membership{}, fmt.Errorf("add client: unexpected script reply %v", values)
	}

	switch values[0] {
	case scriptMissing:
		return Membership{}, ErrNotFound
	case scriptFull:
		return Membership{Count: int(values[2]), TotalClients: int(values[1])}, ErrJobFull
	}
	return Membership{
		Count:        int(values[0]),
		TotalClients: int(values[1]),
		Added:        values[2] == 1,
	}, nil
}

func (s *RedisJobStore) CompareAndSetStatus(ctx context.Context, jobID string, t Transition) (bool, error) {
	if err := validTransition(t); err != nil {
		return false, err
	}
	at := transitionTime(t)
	result, err := transitionScript.Run(
		ctx,
		s.client,
		[]string{s.jobKey(jobID), s.aggregatingKey()},
		string(t.From),
		string(t.To),
		at.Format(time.RFC3339Nano),
		string(t.FinalResult),
		t.FailureCause,
		jobID,
		at.UnixMilli(),
	).Int()
	if err != nil {
		return false, unavailable("compare and set status", err)
	}
	if result == scriptMissing {
		return false, ErrNotFound
	}
	return result == 1, nil
}

func (s *RedisJobStore) TouchAggregating(ctx context.Context, jobID string, at time.Time) (bool, error) {
	at = at.UTC()
	result, err := touchScript.Run(
		ctx,
		s.client,
		[]string{s.jobKey(jobID), s.aggregatingKey()},
		at.Format(time.RFC3339Nano),
		jobID,
		at.UnixMilli(),
	).Int()
	if err != nil {
		return false, unavailable("touch aggregation", err)
	}
	if result == scriptMissing {
		return false, ErrNotFound
	}
	return result == 1, nil
}

func (s *RedisJobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	pipeline := s.client.Pipeline()
	fieldsCmd := pipeline.HGetAll(ctx, s.jobKey(jobID))
	clientsCmd := pipeline.SMembers(ctx, s.clientsKey(jobID))
	if _, err := pipeline.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, unavailable("get job", err)
	}

	fields := fieldsCmd.Val()
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	job, err := decodeRedisJob(jobID, fields)
	if err != nil {
		return nil, err
	}
	job.Clients = clientsCmd.Val()
	sort.Strings(job.Clients)
	return job, nil
}

func (s *RedisJobStore) ListStaleAggregations(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.aggregatingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, unavailable("list stale aggregations", err)
	}
	return ids, nil
}

func decodeRedisJob(jobID string, fields map[string]string) (*domain.Job, error) {
	total, err := strconv.Atoi(fields["totalClients"])
	if err != nil {
		return nil, fmt.Errorf("decode job %s totalClients: %w", jobID, err)
	}
	schema, err := decodeSchema([]byte(fields["schema"]))
	if err != nil {
		return nil, fmt.Errorf("decode job %s schema: %w", jobID, err)
	}

	job := &domain.Job{
		ID:                   jobID,
		TotalClients:         total,
		Schema:               schema,
		Status:               domain.JobStatus(fields["status"]),
		AggregationTriggered: fields["aggregationTriggered"] == "1",
		FailureCause:         fields["failureCause"],
	}
	if raw := fields["finalResult"]; raw != "" {
		job.FinalResult = json.RawMessage(raw)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, fields["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, fields["updatedAt"])
	return job, nil
}

func encodeSchema(schema domain.Schema) (string, error) {
	if len(schema) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("encode schema: %w", err)
	}
	return string(encoded), nil
}

func decodeSchema(raw []byte) (domain.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var schema domain.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, err
	}
	return schema, nil
}

func unavailable(operation string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
}
