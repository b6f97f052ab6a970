package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"insight-worker/internal/models"
	"insight-worker/internal/telemetry"
)

// memQueue mirrors the store's transition rules in memory. completeErr and
// failErr make the matching finalize write fail without touching the row.
type memQueue struct {
	mu          sync.Mutex
	jobs        []*models.Job
	polls       int
	claims      int
	completes   int
	fails       int
	completeErr error
	failErr     error
}

func (q *memQueue) add(id string, fileID *string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, &models.Job{
		ID:        id,
		FileID:    fileID,
		JobType:   "business_analysis",
		Status:    models.StatusPending,
		CreatedAt: time.Now(),
	})
}

func (q *memQueue) ClaimNext(_ context.Context, _ string) (*models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.polls++
	for _, j := range q.jobs {
		if j.Status == models.StatusPending {
			q.claims++
			j.Status = models.StatusProcessing
			now := time.Now()
			j.StartedAt = &now
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

func (q *memQueue) CompleteJob(_ context.Context, id string) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.completeErr != nil {
		return models.Job{}, q.completeErr
	}
	j := q.find(id)
	if j == nil || j.Status != models.StatusProcessing {
		return models.Job{}, fmt.Errorf("complete %s: not processing", id)
	}
	q.completes++
	j.Status = models.StatusCompleted
	j.ErrorMessage = nil
	return *j, nil
}

func (q *memQueue) FailJob(_ context.Context, id string, errMsg string, maxRetries int) (models.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return models.Job{}, q.failErr
	}
	j := q.find(id)
	if j == nil || j.Status != models.StatusProcessing {
		return models.Job{}, fmt.Errorf("fail %s: not processing", id)
	}
	q.fails++
	j.RetryCount++
	j.ErrorMessage = &errMsg
	if j.RetryCount < maxRetries {
		j.Status = models.StatusPending
		j.StartedAt = nil
	} else {
		j.Status = models.StatusFailed
	}
	return *j, nil
}

func (q *memQueue) find(id string) *models.Job {
	for _, j := range q.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (q *memQueue) pollCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}

func (q *memQueue) get(id string) models.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.find(id)
}

type execFunc func(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error)

func (f execFunc) Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error) {
	return f(ctx, job, loc)
}

type countingExec struct {
	mu    sync.Mutex
	calls map[string]int
	err   error
}

func (c *countingExec) Execute(_ context.Context, job models.Job, _ models.Locator) (models.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls == nil {
		c.calls = map[string]int{}
	}
	c.calls[job.ID]++
	if c.err != nil {
		return models.Result{}, c.err
	}
	return models.Result{Content: []byte(`{"summary":"ok"}`)}, nil
}

type memSink struct {
	mu    sync.Mutex
	saved map[string]models.Result
	err   error
}

func (s *memSink) SaveResult(_ context.Context, job models.Job, res models.Result) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = map[string]models.Result{}
	}
	s.saved[job.ID] = res
	return nil
}

type mapResolver map[string]models.Locator

func (m mapResolver) Resolve(_ context.Context, fileID string) (models.Locator, error) {
	loc, ok := m[fileID]
	if !ok {
		return "", errors.New("file not found")
	}
	return loc, nil
}

func quietOpts() Options {
	return Options{
		WorkerID:     "test",
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func runWithTimeout(t *testing.T, p *Processor, ctx context.Context) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestRunOnceCompletesJobAndStoresResult(t *testing.T) {
	q := &memQueue{}
	fileID := "file-1"
	q.add("job-1", &fileID)
	var gotLoc models.Locator
	exec := execFunc(func(_ context.Context, _ models.Job, loc models.Locator) (models.Result, error) {
		gotLoc = loc
		return models.Result{Content: []byte(`{"summary":"ok"}`)}, nil
	})
	sink := &memSink{}
	p := NewProcessor(q, mapResolver{"file-1": "/data/file-1.csv"}, exec, sink, quietOpts())

	claimed, err := p.RunOnce(context.Background())
	if err != nil || !claimed {
		t.Fatalf("run once: claimed=%v err=%v", claimed, err)
	}
	if gotLoc != "/data/file-1.csv" {
		t.Fatalf("executor got locator %q", gotLoc)
	}
	if got := q.get("job-1"); got.Status != models.StatusCompleted || got.ErrorMessage != nil {
		t.Fatalf("unexpected job state: %+v", got)
	}
	if _, ok := sink.saved["job-1"]; !ok {
		t.Fatalf("result not saved")
	}
	if s := p.Snapshot(); s.Processed != 1 || s.Succeeded != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestRunOnceEmptyQueueWritesNothing(t *testing.T) {
	q := &memQueue{}
	exec := &countingExec{}
	p := NewProcessor(q, nil, exec, nil, quietOpts())

	claimed, err := p.RunOnce(context.Background())
	if err != nil || claimed {
		t.Fatalf("expected empty poll, claimed=%v err=%v", claimed, err)
	}
	if q.completes != 0 || q.fails != 0 || len(exec.calls) != 0 {
		t.Fatalf("empty poll had side effects: completes=%d fails=%d calls=%d", q.completes, q.fails, len(exec.calls))
	}
}

func TestRunRetriesUntilBoundThenFails(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	exec := &countingExec{err: errors.New("model unavailable")}
	opts := quietOpts()
	opts.MaxJobs = 1
	p := NewProcessor(q, nil, exec, &memSink{}, opts)

	runWithTimeout(t, p, context.Background())

	if exec.calls["job-1"] != 3 {
		t.Fatalf("expected 3 attempts, got %d", exec.calls["job-1"])
	}
	got := q.get("job-1")
	if got.Status != models.StatusFailed || got.RetryCount != 3 {
		t.Fatalf("expected failed with retry_count 3, got %s/%d", got.Status, got.RetryCount)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "model unavailable" {
		t.Fatalf("error message not recorded: %v", got.ErrorMessage)
	}
	if s := p.Snapshot(); s.Processed != 1 || s.Retried != 2 || s.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", s)
	}
}

func TestRunStopsAtMaxJobs(t *testing.T) {
	q := &memQueue{}
	for i := 0; i < 5; i++ {
		q.add(fmt.Sprintf("job-%d", i), nil)
	}
	exec := &countingExec{}
	opts := quietOpts()
	opts.MaxJobs = 2
	p := NewProcessor(q, nil, exec, nil, opts)

	runWithTimeout(t, p, context.Background())

	if q.completes != 2 {
		t.Fatalf("expected 2 completions, got %d", q.completes)
	}
	if got := q.get("job-0"); got.Status != models.StatusCompleted {
		t.Fatalf("oldest job not processed first: %s", got.Status)
	}
	if got := q.get("job-4"); got.Status != models.StatusPending {
		t.Fatalf("expected job-4 still pending, got %s", got.Status)
	}
}

func TestShutdownFinishesInFlightJob(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	q.add("job-2", nil)

	started := make(chan struct{})
	release := make(chan struct{})
	var execCtxErr error
	exec := execFunc(func(ctx context.Context, job models.Job, _ models.Locator) (models.Result, error) {
		if job.ID == "job-1" {
			close(started)
			<-release
			execCtxErr = ctx.Err()
		}
		return models.Result{}, nil
	})
	p := NewProcessor(q, nil, exec, nil, quietOpts())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	<-started
	cancel()
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after shutdown")
	}
	if execCtxErr != nil {
		t.Fatalf("in-flight job saw cancelled context: %v", execCtxErr)
	}
	if got := q.get("job-1"); got.Status != models.StatusCompleted {
		t.Fatalf("in-flight job not finalized: %s", got.Status)
	}
	if got := q.get("job-2"); got.Status != models.StatusPending {
		t.Fatalf("no new job should be claimed after shutdown, job-2 is %s", got.Status)
	}
}

func TestShutdownInterruptsSleep(t *testing.T) {
	q := &memQueue{}
	opts := quietOpts()
	opts.PollInterval = time.Hour
	p := NewProcessor(q, nil, &countingExec{}, nil, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	runWithTimeout(t, p, ctx)
}

func TestExecutorPanicIsRecordedAsFailure(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	exec := execFunc(func(context.Context, models.Job, models.Locator) (models.Result, error) {
		panic("boom")
	})
	p := NewProcessor(q, nil, exec, nil, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := q.get("job-1")
	if got.Status != models.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected retry after panic, got %s/%d", got.Status, got.RetryCount)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "executor panic: boom" {
		t.Fatalf("unexpected error message: %v", got.ErrorMessage)
	}
}

func TestMissingInputGoesThroughFailPath(t *testing.T) {
	q := &memQueue{}
	fileID := "missing"
	q.add("job-1", &fileID)
	exec := &countingExec{}
	p := NewProcessor(q, mapResolver{}, exec, nil, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if exec.calls["job-1"] != 0 {
		t.Fatalf("executor ran without input")
	}
	if got := q.get("job-1"); got.RetryCount != 1 || got.Status != models.StatusPending {
		t.Fatalf("expected one failed attempt, got %s/%d", got.Status, got.RetryCount)
	}
}

func TestFileJobWithoutResolverFails(t *testing.T) {
	q := &memQueue{}
	fileID := "file-1"
	q.add("job-1", &fileID)
	p := NewProcessor(q, nil, &countingExec{}, nil, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := q.get("job-1")
	if got.ErrorMessage == nil || *got.ErrorMessage != ErrNoResolver.Error() {
		t.Fatalf("unexpected error message: %v", got.ErrorMessage)
	}
}

func TestSinkErrorFailsAttempt(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	p := NewProcessor(q, nil, &countingExec{}, &memSink{err: errors.New("disk full")}, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := q.get("job-1")
	if got.Status != models.StatusPending || got.RetryCount != 1 {
		t.Fatalf("expected retry after sink error, got %s/%d", got.Status, got.RetryCount)
	}
	if q.completes != 0 {
		t.Fatalf("job completed despite sink error")
	}
}

func TestExecutorTimeout(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	exec := execFunc(func(ctx context.Context, _ models.Job, _ models.Locator) (models.Result, error) {
		<-ctx.Done()
		return models.Result{}, ctx.Err()
	})
	opts := quietOpts()
	opts.ExecutorTimeout = 10 * time.Millisecond
	p := NewProcessor(q, nil, exec, nil, opts)

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	got := q.get("job-1")
	if got.ErrorMessage == nil || *got.ErrorMessage != context.DeadlineExceeded.Error() {
		t.Fatalf("expected deadline error, got %v", got.ErrorMessage)
	}
}

type flakyClaimQueue struct {
	memQueue
	failures int
}

func (q *flakyClaimQueue) ClaimNext(ctx context.Context, workerID string) (*models.Job, error) {
	q.mu.Lock()
	if q.failures > 0 {
		q.failures--
		q.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	q.mu.Unlock()
	return q.memQueue.ClaimNext(ctx, workerID)
}

func TestClaimErrorIsTransient(t *testing.T) {
	q := &flakyClaimQueue{failures: 2}
	q.add("job-1", nil)
	opts := quietOpts()
	opts.MaxJobs = 1
	p := NewProcessor(q, nil, &countingExec{}, nil, opts)

	runWithTimeout(t, p, context.Background())

	if got := q.get("job-1"); got.Status != models.StatusCompleted {
		t.Fatalf("expected job completed after claim errors, got %s", got.Status)
	}
}

// runUntilPolls runs p until the queue has seen n claim attempts, then stops it.
func runUntilPolls(t *testing.T, p *Processor, q *memQueue, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for q.pollCount() < n {
		select {
		case err := <-done:
			t.Fatalf("run exited early: %v", err)
		case <-deadline:
			t.Fatalf("only %d polls seen", q.pollCount())
		case <-time.After(2 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestCompleteWriteErrorKeepsPolling(t *testing.T) {
	q := &memQueue{completeErr: errors.New("connection reset")}
	q.add("job-1", nil)
	opts := quietOpts()
	opts.MaxJobs = 1
	p := NewProcessor(q, nil, &countingExec{}, &notifySink{q: q}, opts)

	before := testutil.ToFloat64(telemetry.FinalizeErrors)
	runUntilPolls(t, p, q, 3)

	if got := testutil.ToFloat64(telemetry.FinalizeErrors) - before; got != 1 {
		t.Fatalf("expected 1 finalize error, got %v", got)
	}
	if s := p.Snapshot(); s.Processed != 0 || s.Succeeded != 0 {
		t.Fatalf("unrecorded completion was counted: %+v", s)
	}
	if got := q.get("job-1"); got.Status != models.StatusProcessing {
		t.Fatalf("expected row left in processing, got %s", got.Status)
	}
	if sink := p.sink.(*notifySink); len(sink.notified) != 0 {
		t.Fatalf("completion announced without a committed row: %v", sink.notified)
	}
}

func TestFailWriteErrorKeepsPolling(t *testing.T) {
	q := &memQueue{failErr: errors.New("connection reset")}
	q.add("job-1", nil)
	opts := quietOpts()
	opts.MaxJobs = 1
	p := NewProcessor(q, nil, &countingExec{err: errors.New("model unavailable")}, nil, opts)

	before := testutil.ToFloat64(telemetry.FinalizeErrors)
	runUntilPolls(t, p, q, 3)

	if got := testutil.ToFloat64(telemetry.FinalizeErrors) - before; got != 1 {
		t.Fatalf("expected 1 finalize error, got %v", got)
	}
	if s := p.Snapshot(); s.Processed != 0 || s.Retried != 0 || s.Failed != 0 {
		t.Fatalf("unrecorded failure was counted: %+v", s)
	}
	if got := q.get("job-1"); got.Status != models.StatusProcessing || got.RetryCount != 0 {
		t.Fatalf("expected row untouched in processing, got %s/%d", got.Status, got.RetryCount)
	}
}

// notifySink records the job's stored status at the moment it is announced.
type notifySink struct {
	memSink
	q        *memQueue
	notified []models.JobStatus
}

func (n *notifySink) NotifyCompleted(_ context.Context, job models.Job) error {
	n.notified = append(n.notified, n.q.get(job.ID).Status)
	return nil
}

func TestCompletionAnnouncedAfterCommit(t *testing.T) {
	q := &memQueue{}
	q.add("job-1", nil)
	sink := &notifySink{q: q}
	p := NewProcessor(q, nil, &countingExec{}, sink, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if len(sink.notified) != 1 || sink.notified[0] != models.StatusCompleted {
		t.Fatalf("expected one notification after completion, got %v", sink.notified)
	}
	if _, ok := sink.saved["job-1"]; !ok {
		t.Fatalf("result not saved")
	}
}

type depthQueue struct {
	memQueue
	depth int64
}

func (q *depthQueue) PendingDepth(context.Context) (int64, error) {
	return q.depth, nil
}

func TestEmptyPollRefreshesPendingGauge(t *testing.T) {
	q := &depthQueue{depth: 42}
	p := NewProcessor(q, nil, &countingExec{}, nil, quietOpts())

	if _, err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := testutil.ToFloat64(telemetry.PendingGauge); got != 42 {
		t.Fatalf("expected pending gauge 42, got %v", got)
	}
}
