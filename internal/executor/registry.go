// Package executor holds the job-type specific work the worker loop runs.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"insight-worker/internal/models"
)

// ErrUnknownJobType is returned for jobs whose type has no registered executor.
var ErrUnknownJobType = errors.New("no executor registered for job type")

// Executor runs one job. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error)
}

// Registry dispatches on Job.JobType.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a job type. Empty types and nil executors are ignored.
func (r *Registry) Register(jobType string, ex Executor) {
	if jobType == "" || ex == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[jobType] = ex
}

// Types lists registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error) {
	r.mu.RLock()
	ex, ok := r.executors[job.JobType]
	r.mu.RUnlock()
	if !ok {
		return models.Result{}, fmt.Errorf("%w: %q", ErrUnknownJobType, job.JobType)
	}
	return ex.Execute(ctx, job, loc)
}

// decodeMetadata unmarshals job metadata into dst. Empty or null metadata
// leaves dst untouched; anything other than a JSON object is an error, so a
// malformed row fails its attempt instead of reaching the executor.
func decodeMetadata(job models.Job, dst any) error {
	raw := bytes.TrimSpace(job.Metadata)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return fmt.Errorf("job metadata must be a JSON object, got %s", snippet(raw))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode job metadata: %w", err)
	}
	return nil
}
