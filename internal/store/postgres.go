package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iago/aggregation-orchestrator/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchemaDDL = `
CREATE TABLE IF NOT EXISTS aggregation_jobs (
	id                    TEXT PRIMARY KEY,
	total_clients         INTEGER NOT NULL CHECK (total_clients > 0),
	schema                JSONB,
	status                TEXT NOT NULL,
	aggregation_triggered BOOLEAN NOT NULL DEFAULT FALSE,
	final_result          JSONB,
	failure_cause         TEXT NOT NULL DEFAULT '',
	created_at            TIMESTAMPTZ NOT NULL,
	updated_at            TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS aggregation_job_clients (
	job_id      TEXT NOT NULL REFERENCES aggregation_jobs (id),
	client_id   TEXT NOT NULL,
	reported_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (job_id, client_id)
);
CREATE INDEX IF NOT EXISTS aggregation_jobs_status_updated_idx
	ON aggregation_jobs (status, updated_at);
`

// PostgresJobStore relies on primary keys and conditional updates for atomicity;
// client insertion additionally locks the job row so the participant cap holds.
type PostgresJobStore struct {
	pool *pgxpool.Pool
}

func NewPostgresJobStore(ctx context.Context, databaseURL string) (*PostgresJobStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure pg schema: %w", err)
	}
	return &PostgresJobStore{pool: pool}, nil
}

func (s *PostgresJobStore) Close() {
	s.pool.Close()
}

func (s *PostgresJobStore) CreateIfAbsent(
	ctx context.Context,
	jobID string,
	totalClients int,
	schema domain.Schema,
) (bool, error) {
	encodedSchema, err := schemaParam(schema)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	command, err := s.pool.Exec(ctx, `
		INSERT INTO aggregation_jobs (id, total_clients, schema, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING
	`, jobID, totalClients, encodedSchema, string(domain.JobStatusCollecting), now)
	if err != nil {
		return false, pgUnavailable("insert job", err)
	}
	return command.RowsAffected() == 1, nil
}

func (s *PostgresJobStore) SetSchemaIfAbsent(ctx context.Context, jobID string, schema domain.Schema) (bool, error) {
	if len(schema) == 0 {
		return false, nil
	}
	encodedSchema, err := schemaParam(schema)
	if err != nil {
		return false, err
	}
	command, err := s.pool.Exec(ctx, `
		UPDATE aggregation_jobs SET schema = $2
		WHERE id = $1 AND schema IS NULL
	`, jobID, encodedSchema)
	if err != nil {
		return false, pgUnavailable("set schema", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, jobID)
}

func (s *PostgresJobStore) AddClient(ctx context.Context, jobID, clientID string) (Membership, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Membership{}, pgUnavailable("begin add client", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var total int
	err = tx.QueryRow(ctx, `SELECT total_clients FROM aggregation_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Membership{}, ErrNotFound
		}
		return Membership{}, pgUnavailable("lock job", err)
	}

	var (
		count  int
		exists bool
	)
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(BOOL_OR(client_id = $2), FALSE)
		FROM aggregation_job_clients WHERE job_id = $1
	`, jobID, clientID).Scan(&count, &exists)
	if err != nil {
		return Membership{}, pgUnavailable("count clients", err)
	}

	membership := Membership{Count: count, TotalClients: total}
	if exists {
		return membership, nil
	}
	if count >= total {
		return membership, ErrJobFull
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO aggregation_job_clients (job_id, client_id, reported_at) VALUES ($1, $2, $3)
	`, jobID, clientID, time.Now().UTC()); err != nil {
		return Membership{}, pgUnavailable("insert client", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Membership{}, pgUnavailable("commit add client", err)
	}

	membership.Count = count + 1
	membership.Added = true
	return membership, nil
}

func (s *PostgresJobStore) CompareAndSetStatus(ctx context.Context, jobID string, t Transition) (bool, error) {
	if err := validTransition(t); err != nil {
		return false, err
	}
	var finalResult any
	if len(t.FinalResult) > 0 {
		finalResult = t.FinalResult
	}
	command, err := s.pool.Exec(ctx, `
		UPDATE aggregation_jobs
		SET status = $3,
			aggregation_triggered = aggregation_triggered OR $3::text = 'AGGREGATING',
			final_result = COALESCE($4::jsonb, final_result),
			failure_cause = CASE WHEN $5::text = '' THEN failure_cause ELSE $5::text END,
			updated_at = $6
		WHERE id = $1 AND status = $2
	`, jobID, string(t.From), string(t.To), finalResult, t.FailureCause, transitionTime(t))
	if err != nil {
		return false, pgUnavailable("compare and set status", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, jobID)
}

func (s *PostgresJobStore) TouchAggregating(ctx context.Context, jobID string, at time.Time) (bool, error) {
	command, err := s.pool.Exec(ctx, `
		UPDATE aggregation_jobs SET updated_at = $3
		WHERE id = $1 AND status = $2
	`, jobID, string(domain.JobStatusAggregating), at.UTC())
	if err != nil {
		return false, pgUnavailable("touch aggregation", err)
	}
	if command.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.ensureExists(ctx, jobID)
}

func (s *PostgresJobStore) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		schema      []byte
		finalResult []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, total_clients, schema, status, aggregation_triggered, final_result, failure_cause, created_at, updated_at
		FROM aggregation_jobs
		WHERE id = $1
	`, jobID).Scan(
		&job.ID,
		&job.TotalClients,
		&schema,
		&status,
		&job.AggregationTriggered,
		&finalResult,
		&job.FailureCause,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, pgUnavailable("query job", err)
	}

	job.Status = domain.JobStatus(status)
	if len(finalResult) > 0 {
		job.FinalResult = json.RawMessage(finalResult)
	}
	if job.Schema, err = decodeSchema(schema); err != nil {
		return nil, fmt.Errorf("decode job %s schema: %w", jobID, err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT client_id FROM aggregation_job_clients WHERE job_id = $1 ORDER BY client_id
	`, jobID)
	if err != nil {
		return nil, pgUnavailable("query clients", err)
	}
	clients, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgUnavailable("scan clients", err)
	}
	job.Clients = clients
	return &job, nil
}

func (s *PostgresJobStore) ListStaleAggregations(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM aggregation_jobs
		WHERE status = $1 AND updated_at < $2
		ORDER BY id
	`, string(domain.JobStatusAggregating), cutoff)
	if err != nil {
		return nil, pgUnavailable("list stale aggregations", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgUnavailable("scan stale aggregations", err)
	}
	return ids, nil
}

func (s *PostgresJobStore) ensureExists(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM aggregation_jobs WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return pgUnavailable("check job", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

func schemaParam(schema domain.Schema) (any, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	return encoded, nil
}

// pgUnavailable keeps constraint and data errors as plain errors; only
// connection-level failures are reported as ErrUnavailable.
func pgUnavailable(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return unavailable(operation, err)
}
