package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/internal/ingest"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

type fakeSubmitter struct {
	got ingest.JobRequest
	id  string
	err error
}

func (f *fakeSubmitter) Enqueue(_ context.Context, req ingest.JobRequest) (string, error) {
	f.got = req
	return f.id, f.err
}

type fakeJobReader struct {
	job *ingest.JobRecord
	err error
}

func (f *fakeJobReader) GetJob(_ context.Context, _ string) (*ingest.JobRecord, error) {
	return f.job, f.err
}

func withParams(req *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		enqueueErr error
		wantStatus int
	}{
		{name: "accepted", body: `{"org_id":"org-1","source_key":"org-1/export.csv"}`, wantStatus: http.StatusAccepted},
		{name: "bad json", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "invalid job", body: `{"org_id":"org-1"}`, enqueueErr: ingest.ErrInvalidJob, wantStatus: http.StatusBadRequest},
		{name: "queue failure", body: `{"org_id":"org-1","source_key":"k"}`, enqueueErr: errors.New("sqs down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{id: "job-1", err: tt.enqueueErr}
			h := NewJobsHandler(sub, nil, logging.Discard())

			rec := httptest.NewRecorder()
			h.SubmitJob(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body)))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusAccepted {
				var resp map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
				assert.Equal(t, "job-1", resp["job_id"])
				assert.Equal(t, "pending", resp["status"])
				assert.Equal(t, "org-1/export.csv", sub.got.SourceKey)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	tests := []struct {
		name       string
		reader     JobReader
		wantStatus int
	}{
		{name: "found", reader: &fakeJobReader{job: &ingest.JobRecord{JobID: "job-1", Status: ingest.JobStatusCompleted}}, wantStatus: http.StatusOK},
		{name: "missing", reader: &fakeJobReader{err: ingest.ErrJobNotFound}, wantStatus: http.StatusNotFound},
		{name: "store error", reader: &fakeJobReader{err: errors.New("throttled")}, wantStatus: http.StatusInternalServerError},
		{name: "tracking disabled", reader: nil, wantStatus: http.StatusNotImplemented},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewJobsHandler(&fakeSubmitter{}, tt.reader, logging.Discard())
			rec := httptest.NewRecorder()
			h.GetJob(rec, withParams(httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil), "jobID", "job-1"))

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				var job ingest.JobRecord
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
				assert.Equal(t, "job-1", job.JobID)
				assert.Equal(t, ingest.JobStatusCompleted, job.Status)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
