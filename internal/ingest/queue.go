// Package ingest runs recovery jobs: exports are queued, picked up by a worker
// pool, recovered, archived and routed to manual review.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Queue carries encoded job requests. SQSQueue and MemoryQueue implement it.
type Queue interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

// JobRequest asks for one export object to be recovered.
type JobRequest struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	SourceKey string `json:"source_key"`
}

func encodePayload(req JobRequest) (JobRequest, string, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return JobRequest{}, "", fmt.Errorf("ingest: failed to encode payload: %w", err)
	}
	return req, string(body), nil
}

// ErrInvalidJob is returned when a job request lacks an org or source key.
var ErrInvalidJob = errors.New("ingest: org_id and source_key are required")

// Publisher records a pending job and places it on the queue.
type Publisher struct {
	queue Queue
	jobs  JobRecorder
}

func NewPublisher(queue Queue, jobs JobRecorder) *Publisher {
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	return &Publisher{queue: queue, jobs: jobs}
}

// Enqueue validates the request, persists a pending record when a job store
// is configured, and sends the job. It returns the job ID.
func (p *Publisher) Enqueue(ctx context.Context, req JobRequest) (string, error) {
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.SourceKey = strings.TrimSpace(req.SourceKey)
	if req.OrgID == "" || req.SourceKey == "" {
		return "", ErrInvalidJob
	}
	req, body, err := encodePayload(req)
	if err != nil {
		return "", err
	}
	if p.jobs != nil {
		if err := p.jobs.PutPending(ctx, &JobRecord{JobID: req.ID, OrgID: req.OrgID, SourceKey: req.SourceKey}); err != nil {
			return "", err
		}
	}
	if err := p.queue.Send(ctx, body); err != nil {
		return "", err
	}
	return req.ID, nil
}
