package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/conversation-recovery/internal/ingest"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

const maxRequestBytes = 1 << 20

// JobSubmitter queues a recovery job.
type JobSubmitter interface {
	Enqueue(ctx context.Context, req ingest.JobRequest) (string, error)
}

// JobReader looks up job status.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*ingest.JobRecord, error)
}

// JobsHandler accepts recovery jobs and reports their status.
type JobsHandler struct {
	submitter JobSubmitter
	jobs      JobReader
	logger    *logging.Logger
}

// NewJobsHandler creates a jobs handler. jobs may be nil when status is not tracked.
func NewJobsHandler(submitter JobSubmitter, jobs JobReader, logger *logging.Logger) *JobsHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &JobsHandler{submitter: submitter, jobs: jobs, logger: logger}
}

// SubmitJobRequest is the body of POST /jobs.
type SubmitJobRequest struct {
	OrgID     string `json:"org_id"`
	SourceKey string `json:"source_key"`
}

// SubmitJob handles POST /jobs
func (h *JobsHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var body SubmitJobRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	jobID, err := h.submitter.Enqueue(r.Context(), ingest.JobRequest{OrgID: body.OrgID, SourceKey: body.SourceKey})
	if errors.Is(err, ingest.ErrInvalidJob) {
		writeError(w, http.StatusBadRequest, "org_id and source_key are required")
		return
	}
	if err != nil {
		h.logger.Error("failed to enqueue recovery job", "error", err, "org_id", body.OrgID)
		writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(ingest.JobStatusPending),
	})
}

// GetJob handles GET /jobs/{jobID}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		writeError(w, http.StatusNotImplemented, "job tracking is disabled")
		return
	}
	jobID := chi.URLParam(r, "jobID")
	job, err := h.jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, ingest.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load recovery job", "error", err, "job_id", jobID)
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// Health handles GET /health
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
