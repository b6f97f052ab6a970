// Package cache mirrors finished job results into Redis for fast reads by the
// dashboard and publishes a notification per completed job.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"insight-worker/internal/config"
	"insight-worker/internal/models"
)

// CompletedChannel receives the job id of every committed completion.
const CompletedChannel = "insights:completed"

// Entry is the cached form of a result.
type Entry struct {
	JobID    string        `json:"job_id"`
	FileID   *string       `json:"file_id,omitempty"`
	JobType  string        `json:"job_type"`
	Result   models.Result `json:"result"`
	CachedAt time.Time     `json:"cached_at"`
}

// ResultCache stores one key per job under a fixed prefix.
type ResultCache struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// New builds a cache client from config. It returns nil when Redis is not configured.
func New(cfg config.Config) *ResultCache {
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.ResultCacheTTL)
}

func NewWithClient(client *redis.Client, ttl time.Duration) *ResultCache {
	return &ResultCache{client: client, keyPrefix: "insight:result:", ttl: ttl}
}

func (c *ResultCache) key(jobID string) string {
	return c.keyPrefix + jobID
}

// SaveResult caches the result. Nothing is announced until NotifyCompleted.
func (c *ResultCache) SaveResult(ctx context.Context, job models.Job, res models.Result) error {
	payload, err := json.Marshal(Entry{
		JobID:    job.ID,
		FileID:   job.FileID,
		JobType:  job.JobType,
		Result:   res,
		CachedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.key(job.ID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache result for job %s: %w", job.ID, err)
	}
	return nil
}

// NotifyCompleted publishes the job id on CompletedChannel.
func (c *ResultCache) NotifyCompleted(ctx context.Context, job models.Job) error {
	if err := c.client.Publish(ctx, CompletedChannel, job.ID).Err(); err != nil {
		return fmt.Errorf("publish completion of job %s: %w", job.ID, err)
	}
	return nil
}

// Ping checks connectivity.
func (c *ResultCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *ResultCache) Close() error {
	return c.client.Close()
}
