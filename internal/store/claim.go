package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"insight-worker/internal/models"
)

// claimSQL selects the oldest pending row that no other transaction holds,
// and marks it processing in the same statement. SKIP LOCKED makes concurrent
// claimers pass over each other's candidates instead of waiting or double-claiming.
const claimSQL = `
	UPDATE processing_jobs
	SET status = 'processing', started_at = NOW(), updated_at = NOW()
	WHERE id = (
		SELECT id FROM processing_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	)
	RETURNING ` + jobColumns

// ClaimNext atomically moves the oldest pending job to processing and returns
// its snapshot. It returns (nil, nil) when nothing is claimable; in that case
// nothing is written.
func (s *Store) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	job, err := scanJob(tx.QueryRow(ctx, claimSQL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := appendEvent(ctx, tx, job.ID, "claimed", "worker="+workerID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &job, nil
}

// CompleteJob transitions a processing job to completed and clears its error.
func (s *Store) CompleteJob(ctx context.Context, id string) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = 'completed', completed_at = NOW(), error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("complete job %s: %w", id, ErrNotProcessing)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("complete job %s: %w", id, err)
	}
	if err := appendEvent(ctx, tx, id, "completed", ""); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit complete: %w", err)
	}
	return job, nil
}

// FailJob records a failed attempt. retry_count is incremented; while it stays
// below maxRetries the job goes back to pending with started_at cleared,
// otherwise it becomes terminally failed. Both branches keep the error text.
// The decision is made by Postgres against the row's current count, so it
// cannot race with another writer.
func (s *Store) FailJob(ctx context.Context, id string, errMsg string, maxRetries int) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := scanJob(tx.QueryRow(ctx, `
		UPDATE processing_jobs
		SET retry_count   = retry_count + 1,
		    status        = CASE WHEN retry_count + 1 < $3 THEN 'pending' ELSE 'failed' END,
		    started_at    = CASE WHEN retry_count + 1 < $3 THEN NULL ELSE started_at END,
		    completed_at  = CASE WHEN retry_count + 1 < $3 THEN NULL ELSE NOW() END,
		    error_message = $2,
		    updated_at    = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+jobColumns, id, errMsg, maxRetries))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("fail job %s: %w", id, ErrNotProcessing)
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("fail job %s: %w", id, err)
	}

	event := "retry_scheduled"
	if job.Status == models.StatusFailed {
		event = "failed"
	}
	if err := appendEvent(ctx, tx, id, event, fmt.Sprintf("retry_count=%d error=%s", job.RetryCount, errMsg)); err != nil {
		return models.Job{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit fail: %w", err)
	}
	return job, nil
}
