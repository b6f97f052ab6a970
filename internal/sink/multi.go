// Package sink combines result destinations.
package sink

import (
	"context"
	"errors"
	"log/slog"

	"insight-worker/internal/models"
)

// ResultSink persists a successful job's result.
type ResultSink interface {
	SaveResult(ctx context.Context, job models.Job, res models.Result) error
}

// Notifier announces a completion once it has been committed.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job models.Job) error
}

// Multi writes to a primary sink and then to mirrors. Only the primary decides
// the outcome: a mirror error is logged and the job still completes.
type Multi struct {
	primary ResultSink
	mirrors []ResultSink
	logger  *slog.Logger
}

func NewMulti(logger *slog.Logger, primary ResultSink, mirrors ...ResultSink) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	kept := mirrors[:0:0]
	for _, m := range mirrors {
		if m != nil {
			kept = append(kept, m)
		}
	}
	return &Multi{primary: primary, mirrors: kept, logger: logger}
}

func (m *Multi) SaveResult(ctx context.Context, job models.Job, res models.Result) error {
	if err := m.primary.SaveResult(ctx, job, res); err != nil {
		return err
	}
	for _, mirror := range m.mirrors {
		if err := mirror.SaveResult(ctx, job, res); err != nil {
			m.logger.Warn("result mirror write failed", "job_id", job.ID, "err", err)
		}
	}
	return nil
}

// NotifyCompleted forwards to every sink that announces completions and
// joins their errors.
func (m *Multi) NotifyCompleted(ctx context.Context, job models.Job) error {
	var errs []error
	for _, s := range append([]ResultSink{m.primary}, m.mirrors...) {
		if n, ok := s.(Notifier); ok {
			if err := n.NotifyCompleted(ctx, job); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
