package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"insight-worker/internal/models"
	"insight-worker/internal/telemetry"
)

// Queue is the slice of the job store the loop drives.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (*models.Job, error)
	CompleteJob(ctx context.Context, id string) (models.Job, error)
	FailJob(ctx context.Context, id string, errMsg string, maxRetries int) (models.Job, error)
}

// Resolver maps a job's file reference to a locator the executor can read.
type Resolver interface {
	Resolve(ctx context.Context, fileID string) (models.Locator, error)
}

// Executor performs the work for a claimed job.
type Executor interface {
	Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error)
}

// ResultSink persists what a successful execution produced.
type ResultSink interface {
	SaveResult(ctx context.Context, job models.Job, res models.Result) error
}

// DepthReporter is implemented by queues that can count their pending rows.
// The loop uses it to keep the pending gauge current.
type DepthReporter interface {
	PendingDepth(ctx context.Context) (int64, error)
}

// Notifier is implemented by sinks that announce completions. It is called
// only after the completed state has been committed.
type Notifier interface {
	NotifyCompleted(ctx context.Context, job models.Job) error
}

// ErrNoResolver is returned for jobs that reference a file when the
// processor was built without a Resolver.
var ErrNoResolver = errors.New("job references a file but no resolver is configured")

// Options tune a single poll loop.
type Options struct {
	WorkerID        string
	PollInterval    time.Duration
	MaxJobs         int     // 0 means unbounded
	Budget          *Budget // shared with other loops; replaces MaxJobs when set
	MaxRetries      int
	ExecutorTimeout time.Duration // 0 means no limit
	StatusEvery     time.Duration
	Logger          *slog.Logger
}

// Status is a point-in-time view of one loop, served on /status.
type Status struct {
	WorkerID   string    `json:"worker_id"`
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at"`
	Processed  int64     `json:"processed"`
	Succeeded  int64     `json:"succeeded"`
	Retried    int64     `json:"retried"`
	Failed     int64     `json:"failed"`
	CurrentJob string    `json:"current_job,omitempty"`
}

// Processor drives the claim, execute and finalize cycle against a Queue.
type Processor struct {
	queue    Queue
	resolver Resolver
	executor Executor
	sink     ResultSink
	opts     Options
	logger   *slog.Logger
	budget   *Budget

	running   atomic.Bool
	processed atomic.Int64
	succeeded atomic.Int64
	retried   atomic.Int64
	failed    atomic.Int64

	mu        sync.Mutex
	startedAt time.Time
	current   string
}

// NewProcessor wires a loop. resolver and sink may be nil: jobs without a
// file reference never need the resolver, and a nil sink discards results.
func NewProcessor(q Queue, resolver Resolver, exec Executor, sink ResultSink, opts Options) *Processor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.WorkerID != "" {
		logger = logger.With("worker_id", opts.WorkerID)
	}
	budget := opts.Budget
	if budget == nil {
		budget = NewBudget(opts.MaxJobs)
	}
	return &Processor{
		queue:    q,
		resolver: resolver,
		executor: exec,
		sink:     sink,
		opts:     opts,
		logger:   logger,
		budget:   budget,
	}
}

// Run polls until ctx is cancelled or the job budget is spent. Cancellation
// is honoured only between jobs: a job already claimed runs to completion and
// is finalized before Run returns. Both exits are clean and return nil.
func (p *Processor) Run(ctx context.Context) error {
	p.mu.Lock()
	p.startedAt = time.Now()
	p.mu.Unlock()
	p.running.Store(true)
	defer p.running.Store(false)

	p.logger.Info("worker loop started",
		"poll_interval", p.opts.PollInterval,
		"max_retries", p.opts.MaxRetries,
	)
	lastStatus := time.Now()
	lastDepth := time.Now()

	for {
		if ctx.Err() != nil {
			p.logStatus("shutdown requested")
			return nil
		}
		if !p.budget.reserve(ctx) {
			if ctx.Err() != nil {
				p.logStatus("shutdown requested")
			} else {
				p.logStatus("max jobs reached")
			}
			return nil
		}

		before := p.processed.Load()
		claimed, err := p.RunOnce(ctx)
		p.budget.release(p.processed.Load() > before)
		if err != nil {
			p.logger.Warn("poll cycle error", "err", err)
		}
		if claimed {
			p.logStatus("job finished")
			lastStatus = time.Now()
			if time.Since(lastDepth) >= p.opts.PollInterval {
				p.refreshDepth(context.WithoutCancel(ctx))
				lastDepth = time.Now()
			}
		} else if p.opts.StatusEvery > 0 && time.Since(lastStatus) >= p.opts.StatusEvery {
			p.logStatus("periodic")
			lastStatus = time.Now()
		}

		// A worked job is followed by another claim straight away; only an
		// empty queue or an error waits out the interval.
		if claimed && err == nil {
			continue
		}
		if !sleepCtx(ctx, p.opts.PollInterval) {
			p.logStatus("shutdown requested")
			return nil
		}
	}
}

// RunOnce makes a single claim attempt and, if a job was claimed, processes
// it to a recorded outcome. Store calls are detached from ctx cancellation so
// a shutdown signal cannot strand a row in processing mid-commit.
func (p *Processor) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	storeCtx := context.WithoutCancel(ctx)

	job, err := p.queue.ClaimNext(storeCtx, p.opts.WorkerID)
	if err != nil {
		telemetry.ClaimErrors.Inc()
		return false, fmt.Errorf("claim: %w", err)
	}
	if job == nil {
		p.logger.Debug("no pending jobs")
		p.refreshDepth(storeCtx)
		return false, nil
	}
	telemetry.JobsClaimed.Inc()
	return true, p.process(storeCtx, *job)
}

func (p *Processor) process(ctx context.Context, job models.Job) error {
	log := p.logger.With("job_id", job.ID, "job_type", job.JobType, "attempt", job.RetryCount+1)
	log.Info("processing job")

	p.setCurrent(job.ID)
	defer p.setCurrent("")
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	start := time.Now()
	res, runErr := p.execute(ctx, job)
	telemetry.ExecDuration.Observe(time.Since(start).Seconds())

	if runErr == nil && p.sink != nil {
		if err := p.sink.SaveResult(ctx, job, res); err != nil {
			runErr = fmt.Errorf("save result: %w", err)
		}
	}

	if runErr == nil {
		if _, err := p.queue.CompleteJob(ctx, job.ID); err != nil {
			telemetry.FinalizeErrors.Inc()
			log.Error("could not mark job completed", "err", err)
			return fmt.Errorf("complete job %s: %w", job.ID, err)
		}
		p.processed.Add(1)
		p.succeeded.Add(1)
		telemetry.JobsCompleted.Inc()
		if n, ok := p.sink.(Notifier); ok {
			if err := n.NotifyCompleted(ctx, job); err != nil {
				log.Warn("completion notification failed", "err", err)
			}
		}
		log.Info("job completed", "elapsed", time.Since(start))
		return nil
	}

	updated, err := p.queue.FailJob(ctx, job.ID, runErr.Error(), p.opts.MaxRetries)
	if err != nil {
		telemetry.FinalizeErrors.Inc()
		log.Error("could not record job failure", "err", err, "job_err", runErr)
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if updated.Status.Terminal() {
		p.processed.Add(1)
		p.failed.Add(1)
		telemetry.JobsFailed.Inc()
		log.Error("job failed permanently", "err", runErr, "retry_count", updated.RetryCount)
		return nil
	}
	p.retried.Add(1)
	telemetry.JobsRetried.Inc()
	log.Warn("job attempt failed, returned to queue", "err", runErr, "retry_count", updated.RetryCount)
	return nil
}

// execute resolves the input and runs the executor. Panics become errors so
// the job still reaches the fail path.
func (p *Processor) execute(ctx context.Context, job models.Job) (res models.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panic", "job_id", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	var loc models.Locator
	if job.FileID != nil {
		if p.resolver == nil {
			return res, ErrNoResolver
		}
		loc, err = p.resolver.Resolve(ctx, *job.FileID)
		if err != nil {
			return res, fmt.Errorf("resolve input: %w", err)
		}
	}

	if p.opts.ExecutorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.ExecutorTimeout)
		defer cancel()
	}
	return p.executor.Execute(ctx, job, loc)
}

func (p *Processor) refreshDepth(ctx context.Context) {
	d, ok := p.queue.(DepthReporter)
	if !ok {
		return
	}
	depth, err := d.PendingDepth(ctx)
	if err != nil {
		p.logger.Debug("pending depth unavailable", "err", err)
		return
	}
	telemetry.PendingGauge.Set(float64(depth))
}

// Snapshot reports the loop's counters.
func (p *Processor) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Status{
		WorkerID:   p.opts.WorkerID,
		Running:    p.running.Load(),
		StartedAt:  p.startedAt,
		Processed:  p.processed.Load(),
		Succeeded:  p.succeeded.Load(),
		Retried:    p.retried.Load(),
		Failed:     p.failed.Load(),
		CurrentJob: p.current,
	}
}

func (p *Processor) setCurrent(id string) {
	p.mu.Lock()
	p.current = id
	p.mu.Unlock()
}

func (p *Processor) logStatus(reason string) {
	s := p.Snapshot()
	uptime := time.Duration(0)
	if !s.StartedAt.IsZero() {
		uptime = time.Since(s.StartedAt)
	}
	rate := 0.0
	if mins := uptime.Minutes(); mins > 0 {
		rate = float64(s.Processed) / mins
	}
	p.logger.Info("worker status",
		"reason", reason,
		"processed", s.Processed,
		"succeeded", s.Succeeded,
		"retried", s.Retried,
		"failed", s.Failed,
		"uptime", uptime.Round(time.Second),
		"jobs_per_minute", fmt.Sprintf("%.2f", rate),
	)
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
