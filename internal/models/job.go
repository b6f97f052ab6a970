package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further automatic transition happens from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a row of the processing_jobs table. Metadata is carried as the raw
// JSON the enqueuer wrote; each executor decodes the options it understands.
type Job struct {
	ID           string          `json:"id"`
	FileID       *string         `json:"file_id,omitempty"`
	JobType      string          `json:"job_type"`
	Metadata     json.RawMessage `json:"metadata"`
	Status       JobStatus       `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Locator points at the resolved input resource of a job, e.g. a local path or s3:// URL.
type Locator string

// Result is what an executor hands back on success.
type Result struct {
	InsightType string          `json:"insight_type"`
	Content     json.RawMessage `json:"content"`
	Confidence  *float64        `json:"confidence_score,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// Insight is the persisted artifact of a completed job. Written once, never updated.
type Insight struct {
	ID          string          `json:"id"`
	JobID       string          `json:"job_id"`
	FileID      *string         `json:"file_id,omitempty"`
	InsightType string          `json:"insight_type"`
	Content     json.RawMessage `json:"content"`
	Confidence  float64         `json:"confidence_score"`
	Metadata    map[string]any  `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
}

// JobEvent is a simple audit event row.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// QueueStats summarizes the queue for the status command.
type QueueStats struct {
	Counts           map[JobStatus]int64 `json:"counts"`
	OldestPendingAge time.Duration       `json:"oldest_pending_age"`
	StuckProcessing  int64               `json:"stuck_processing"`
}
