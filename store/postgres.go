package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jupark12/recipe-ingest/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS import_jobs (
    id              TEXT PRIMARY KEY,
    requester       TEXT NOT NULL,
    source_url      TEXT NOT NULL,
    status          TEXT NOT NULL,
    attempt_count   INTEGER NOT NULL DEFAULT 0,
    last_error      JSONB,
    progress        INTEGER NOT NULL DEFAULT 0,
    result          JSONB,
    processing_node TEXT NOT NULL DEFAULT '',
    version         BIGINT NOT NULL DEFAULT 1,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
)
`

const insertSQL = `
INSERT INTO import_jobs (id, requester, source_url, status, progress, version)
VALUES ($1, $2, $3, $4, $5, 1)
ON CONFLICT (id) DO NOTHING
`

const selectSQL = `
SELECT id, requester, source_url, status, attempt_count, last_error, progress,
       result, processing_node, version, created_at, updated_at
FROM import_jobs
WHERE id = $1
`

const unfinishedSQL = `
SELECT id FROM import_jobs
WHERE status NOT IN ('COMPLETED', 'FAILED')
ORDER BY created_at, id
`

// Requester and source_url take part in the WHERE clause so an update can
// never rewrite the immutable columns.
const casSQL = `
UPDATE import_jobs SET
    status = $4,
    attempt_count = $5,
    last_error = $6,
    progress = $7,
    result = $8,
    processing_node = $9,
    version = version + 1,
    updated_at = NOW()
WHERE id = $1 AND status = $2 AND version = $3
  AND attempt_count <= $5
  AND requester = $10 AND source_url = $11
RETURNING version, created_at, updated_at
`

// PostgresStore is a JobStore backed by a Postgres table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the jobs table if needed.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate import_jobs: %w", err)
	}
	return nil
}

// Create inserts a new PENDING record.
func (s *PostgresStore) Create(ctx context.Context, job *models.Job) (string, error) {
	if err := checkNew(job); err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx, insertSQL, job.ID, job.Requester, job.SourceURL, string(job.Status), job.Progress)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", ErrExists, job.ID)
	}
	return job.ID, nil
}

// Get loads a record by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Job, error) {
	var (
		job       models.Job
		status    string
		lastError []byte
		result    []byte
	)
	err := s.pool.QueryRow(ctx, selectSQL, id).Scan(
		&job.ID, &job.Requester, &job.SourceURL, &status, &job.Attempts, &lastError,
		&job.Progress, &result, &job.ProcessingNode, &job.Version, &job.CreatedAt, &job.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if len(lastError) > 0 {
		job.LastError = &models.StageError{}
		if err := json.Unmarshal(lastError, job.LastError); err != nil {
			return nil, fmt.Errorf("decode last_error: %w", err)
		}
	}
	if len(result) > 0 {
		job.Result = &models.Recipe{}
		if err := json.Unmarshal(result, job.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	return &job, nil
}

// CompareAndSwap applies next if the row is still at (expected, next.Version).
func (s *PostgresStore) CompareAndSwap(ctx context.Context, id string, expected models.JobStatus, next *models.Job) (*models.Job, error) {
	if err := checkTransition(expected, next); err != nil {
		return nil, err
	}

	lastError, err := marshalNullable(next.LastError)
	if err != nil {
		return nil, fmt.Errorf("encode last_error: %w", err)
	}
	result, err := marshalNullable(next.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}

	stored := next.Clone()
	stored.ID = id
	err = s.pool.QueryRow(ctx, casSQL,
		id, string(expected), next.Version,
		string(next.Status), next.Attempts, lastError, next.Progress, result, next.ProcessingNode,
		next.Requester, next.SourceURL,
	).Scan(&stored.Version, &stored.CreatedAt, &stored.UpdatedAt)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job: %w", err)
	}

	// Nothing matched: tell a missing row apart from a lost race.
	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, missedUpdate(cur, expected, next)
}

// Unfinished returns the ids of all non-terminal jobs, oldest first.
func (s *PostgresStore) Unfinished(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, unfinishedSQL)
	if err != nil {
		return nil, fmt.Errorf("select unfinished jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan unfinished jobs: %w", err)
	}
	return ids, nil
}

// missedUpdate explains why a conditional UPDATE matched no row, given the
// row as it is now. A row still at the expected status and version can only
// have been skipped by the immutable-column guards.
func missedUpdate(cur *models.Job, expected models.JobStatus, next *models.Job) error {
	if cur.Status == expected && cur.Version == next.Version {
		if err := checkAgainst(cur, next); err != nil {
			return err
		}
	}
	return fmt.Errorf("%w: %s is %s@v%d, expected %s@v%d",
		ErrConflict, cur.ID, cur.Status, cur.Version, expected, next.Version)
}

func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
