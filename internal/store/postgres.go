package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"insight-worker/internal/models"
)

var (
	// ErrJobNotFound is returned when no processing_jobs row matches an id.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotProcessing is returned when a finalize write finds the row outside the processing state.
	ErrNotProcessing = errors.New("job is not processing")
	// ErrNotFailed is returned when a manual retry targets a job that is not terminally failed.
	ErrNotFailed = errors.New("job is not failed")
	// ErrFileNotFound is returned when a job's input file cannot be resolved.
	ErrFileNotFound = errors.New("file not found")
	// ErrInsightNotFound is returned when a job has no insight row.
	ErrInsightNotFound = errors.New("insight not found")
)

// jobColumns is the column list shared by every query that returns a job.
const jobColumns = `id::text, file_id::text, job_type, metadata, status, retry_count, error_message,
	created_at, started_at, completed_at, updated_at`

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres and verifies it is reachable.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool. Used by tests that own the pool lifecycle.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	FileID   string
	JobType  string
	Metadata map[string]any
}

// CreateJob inserts a pending job. In production jobs are enqueued by the API;
// this exists for the enqueue command and tests.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	if p.JobType == "" {
		return models.Job{}, errors.New("job type is required")
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(p.Metadata)
	if err != nil {
		return models.Job{}, fmt.Errorf("marshal metadata: %w", err)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, `
		INSERT INTO processing_jobs (id, file_id, job_type, metadata, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+jobColumns,
		uuid.NewString(), emptyToNil(p.FileID), p.JobType, metadataJSON, models.StatusPending))
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	if err := appendEvent(ctx, tx, job.ID, "enqueued", "type="+job.JobType); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Job{}, fmt.Errorf("job %q: %w", id, ErrJobNotFound)
	}
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// ListEvents returns the audit trail of a job, oldest first.
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]models.JobEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id::text, event, detail, ts FROM job_events WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []models.JobEvent
	for rows.Next() {
		var ev models.JobEvent
		if err := rows.Scan(&ev.JobID, &ev.Event, &ev.Detail, &ev.Recorded); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// appendEvent adds an audit row inside the caller's transaction.
func appendEvent(ctx context.Context, q execer, jobID, event, detail string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO job_events (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	if err != nil {
		return fmt.Errorf("append %s event: %w", event, err)
	}
	return nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var (
		job         models.Job
		status      string
		metadata    []byte
		fileID      pgtype.Text
		errMsg      pgtype.Text
		startedAt   pgtype.Timestamptz
		completedAt pgtype.Timestamptz
	)
	if err := row.Scan(&job.ID, &fileID, &job.JobType, &metadata, &status, &job.RetryCount, &errMsg,
		&job.CreatedAt, &startedAt, &completedAt, &job.UpdatedAt); err != nil {
		return models.Job{}, err
	}
	job.Metadata = json.RawMessage(metadata)
	job.Status = models.JobStatus(status)
	job.FileID = textPtr(fileID)
	job.ErrorMessage = textPtr(errMsg)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
