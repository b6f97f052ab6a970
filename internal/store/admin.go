package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"insight-worker/internal/models"
)

// Operator procedures. Nothing in the worker loop calls these; recovery of
// stuck or exhausted jobs is a manual decision.

// Stats summarizes job counts per status, the age of the oldest pending job,
// and how many processing jobs started before stuckAfter ago.
func (s *Store) Stats(ctx context.Context, stuckAfter time.Duration) (models.QueueStats, error) {
	stats := models.QueueStats{Counts: map[models.JobStatus]int64{}}

	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM processing_jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count jobs by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan status count: %w", err)
		}
		stats.Counts[models.JobStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("count jobs by status: %w", err)
	}

	var oldestSeconds float64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM NOW() - MIN(created_at)), 0)::float8
		FROM processing_jobs WHERE status = 'pending'
	`).Scan(&oldestSeconds); err != nil {
		return stats, fmt.Errorf("oldest pending: %w", err)
	}
	stats.OldestPendingAge = time.Duration(oldestSeconds * float64(time.Second))

	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_jobs
		WHERE status = 'processing' AND started_at < NOW() - ($1::float8 * INTERVAL '1 second')
	`, stuckAfter.Seconds()).Scan(&stats.StuckProcessing); err != nil {
		return stats, fmt.Errorf("count stuck jobs: %w", err)
	}
	return stats, nil
}

// PendingDepth returns the number of pending jobs.
func (s *Store) PendingDepth(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_jobs WHERE status = 'pending'
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

// RecoverStuck resets jobs that have been processing for longer than olderThan
// back to pending. It is the runbook step after a worker crash. Rows locked by
// a concurrent finalize are skipped. Returns the ids that were reset.
func (s *Store) RecoverStuck(ctx context.Context, olderThan time.Duration) ([]string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin recover tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE processing_jobs
		SET status = 'pending', started_at = NULL, updated_at = NOW(),
		    error_message = 'reset after being stuck in processing'
		WHERE id IN (
			SELECT id FROM processing_jobs
			WHERE status = 'processing' AND started_at < NOW() - ($1::float8 * INTERVAL '1 second')
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text
	`, olderThan.Seconds())
	if err != nil {
		return nil, fmt.Errorf("recover stuck jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("recover stuck jobs: %w", err)
	}
	for _, id := range ids {
		if err := appendEvent(ctx, tx, id, "recovered", fmt.Sprintf("stuck longer than %s", olderThan)); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit recover: %w", err)
	}
	return ids, nil
}

// RetryFailed puts a terminally failed job back in the queue with a fresh
// retry budget.
func (s *Store) RetryFailed(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin retry tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = 'pending', retry_count = 0, started_at = NULL, completed_at = NULL,
		    error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
		RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("retry job %s: %w", id, ErrNotFailed)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("retry job %s: %w", id, err)
	}
	if err := appendEvent(ctx, tx, id, "manual_retry", ""); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit retry: %w", err)
	}
	return job, nil
}
