package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"insight-worker/internal/models"
)

// TypeBusinessAnalysis is the job type served by the HTTP executor.
const TypeBusinessAnalysis = "business_analysis"

// analysisRequest is the body posted to the analysis service.
type analysisRequest struct {
	JobID    string                     `json:"job_id"`
	JobType  string                     `json:"job_type"`
	FileID   *string                    `json:"file_id,omitempty"`
	Locator  string                     `json:"locator,omitempty"`
	Attempt  int                        `json:"attempt"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
}

// HTTP posts the job to a downstream analysis service and returns its JSON
// answer as the result. The client carries no timeout of its own; the
// caller's context bounds the request.
type HTTP struct {
	url    string
	token  string
	client *http.Client
}

func NewHTTP(url, token string, client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTP{url: url, token: token, client: client}
}

func (h *HTTP) Execute(ctx context.Context, job models.Job, loc models.Locator) (models.Result, error) {
	if h.url == "" {
		return models.Result{}, errors.New("analysis url is not configured")
	}
	var meta map[string]json.RawMessage
	if err := decodeMetadata(job, &meta); err != nil {
		return models.Result{}, err
	}
	body := new(bytes.Buffer)
	if err := json.NewEncoder(body).Encode(analysisRequest{
		JobID:    job.ID,
		JobType:  job.JobType,
		FileID:   job.FileID,
		Locator:  string(loc),
		Attempt:  job.RetryCount + 1,
		Metadata: meta,
	}); err != nil {
		return models.Result{}, fmt.Errorf("encode analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, body)
	if err != nil {
		return models.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return models.Result{}, fmt.Errorf("call analysis service: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Result{}, fmt.Errorf("read analysis response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return models.Result{}, fmt.Errorf("analysis service returned %d: %s", resp.StatusCode, snippet(raw))
	}

	var res models.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return models.Result{}, fmt.Errorf("decode analysis response: %w", err)
	}
	if len(res.Content) == 0 {
		return models.Result{}, errors.New("analysis response has no content")
	}
	return res, nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
