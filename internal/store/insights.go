package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"insight-worker/internal/models"
)

const (
	defaultInsightType = "General Analysis"
	defaultConfidence  = 0.7
)

// SaveResult writes the insight row for a completed job. A second write for
// the same job is ignored, so a re-run after a crash cannot duplicate it.
func (s *Store) SaveResult(ctx context.Context, job models.Job, res models.Result) error {
	insightType := res.InsightType
	if insightType == "" {
		insightType = defaultInsightType
	}
	confidence := defaultConfidence
	if res.Confidence != nil {
		confidence = *res.Confidence
	}
	content := []byte(res.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	if !json.Valid(content) {
		return fmt.Errorf("save insight for job %s: content is not valid json", job.ID)
	}
	metadata := res.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal insight metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO insights (id, job_id, file_id, insight_type, content, confidence_score, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`, uuid.NewString(), job.ID, job.FileID, insightType, content, confidence, metadataJSON)
	if err != nil {
		return fmt.Errorf("save insight for job %s: %w", job.ID, err)
	}
	return nil
}

// GetInsight returns the insight written for a job.
func (s *Store) GetInsight(ctx context.Context, jobID string) (models.Insight, error) {
	var (
		ins      models.Insight
		fileID   pgtype.Text
		content  []byte
		metadata []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id::text, job_id::text, file_id::text, insight_type, content, confidence_score, metadata, created_at
		FROM insights WHERE job_id = $1
	`, jobID).Scan(&ins.ID, &ins.JobID, &fileID, &ins.InsightType, &content, &ins.Confidence, &metadata, &ins.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Insight{}, fmt.Errorf("insight for job %s: %w", jobID, ErrInsightNotFound)
	}
	if err != nil {
		return models.Insight{}, fmt.Errorf("scan insight: %w", err)
	}
	ins.FileID = textPtr(fileID)
	ins.Content = json.RawMessage(content)
	if err := json.Unmarshal(metadata, &ins.Metadata); err != nil {
		return models.Insight{}, fmt.Errorf("unmarshal insight metadata: %w", err)
	}
	return ins, nil
}
