package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"insight-worker/internal/models"
	"insight-worker/internal/store"
	"insight-worker/internal/worker"
)

type fixedStatus []worker.Status

func (f fixedStatus) Snapshot() []worker.Status { return f }

type fakeJobs struct {
	jobs map[string]models.Job
}

func (f fakeJobs) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrJobNotFound)
	}
	return job, nil
}

func (f fakeJobs) ListEvents(_ context.Context, jobID string) ([]models.JobEvent, error) {
	return []models.JobEvent{{JobID: jobID, Event: "enqueued"}, {JobID: jobID, Event: "claimed"}}, nil
}

func (f fakeJobs) PendingDepth(context.Context) (int64, error) { return 7, nil }

func (f fakeJobs) GetInsight(_ context.Context, jobID string) (models.Insight, error) {
	if jobID != "job-2" {
		return models.Insight{}, fmt.Errorf("insight for job %s: %w", jobID, store.ErrInsightNotFound)
	}
	return models.Insight{JobID: jobID, InsightType: "Revenue Trends", Content: json.RawMessage(`{"summary":"up"}`)}, nil
}

func newTestServer() *httptest.Server {
	workers := fixedStatus{
		{WorkerID: "w0", Running: true, Processed: 3, CurrentJob: "job-9"},
		{WorkerID: "w1", Running: true, Processed: 2},
	}
	jobs := fakeJobs{jobs: map[string]models.Job{
		"job-1": {ID: "job-1", JobType: "business_analysis", Status: models.StatusProcessing},
		"job-2": {ID: "job-2", JobType: "business_analysis", Status: models.StatusCompleted},
		"job-3": {ID: "job-3", JobType: "business_analysis", Status: models.StatusCompleted},
	}}
	return httptest.NewServer(New(workers, jobs).Router())
}

func TestHealthz(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestStatusAggregatesWorkers(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Processed != 5 || len(body.Workers) != 2 {
		t.Fatalf("unexpected status: %+v", body)
	}
	if body.Pending == nil || *body.Pending != 7 {
		t.Fatalf("expected pending 7, got %v", body.Pending)
	}
	if body.Workers[0].CurrentJob != "job-9" {
		t.Fatalf("current job not reported: %+v", body.Workers[0])
	}
}

func TestGetJob(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/job-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Job.Status != models.StatusProcessing || len(body.Events) != 2 || body.Insight != nil {
		t.Fatalf("unexpected body: %+v", body)
	}

	missing, err := http.Get(srv.URL + "/jobs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
}

func TestGetCompletedJobIncludesInsight(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/job-2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body jobResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Insight == nil || body.Insight.InsightType != "Revenue Trends" || string(body.Insight.Content) != `{"summary":"up"}` {
		t.Fatalf("expected insight in body, got %+v", body.Insight)
	}

	noInsight, err := http.Get(srv.URL + "/jobs/job-3")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer noInsight.Body.Close()
	if noInsight.StatusCode != http.StatusOK {
		t.Fatalf("completed job without insight should still be served, got %d", noInsight.StatusCode)
	}
}

func TestMetricsMounted(t *testing.T) {
	srv := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
