package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

var tracer = otel.Tracer("convo/ingest-worker")

// JobProcessor runs a single job.
type JobProcessor interface {
	Process(ctx context.Context, req JobRequest) (JobSummary, error)
}

// Worker consumes recovery jobs from the queue and invokes the processor.
type Worker struct {
	processor JobProcessor
	queue     Queue
	jobs      JobUpdater
	logger    *logging.Logger
	metrics   *metrics.RecoveryMetrics

	cfg workerConfig
	wg  sync.WaitGroup
}

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
	maxBackoff       time.Duration
}

const (
	defaultWorkerCount   = 2
	defaultWaitSeconds   = 5
	defaultBatchSize     = 1
	maxWaitSeconds       = 20
	maxReceiveBatchSize  = 10
	deleteTimeoutSeconds = 5
)

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		cfg.receiveWaitSecs = min(seconds, maxWaitSeconds)
	}
}

// WithReceiveBatchSize sets how many jobs to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size > 0 {
			cfg.receiveBatchSize = min(size, maxReceiveBatchSize)
		}
	}
}

// NewWorker builds a worker. jobs may be nil when job status is not tracked.
func NewWorker(processor JobProcessor, queue Queue, jobs JobUpdater, logger *logging.Logger, m *metrics.RecoveryMetrics, opts ...WorkerOption) *Worker {
	if processor == nil {
		panic("ingest: processor cannot be nil")
	}
	if queue == nil {
		panic("ingest: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
		maxBackoff:       5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Worker{
		processor: processor,
		queue:     queue,
		jobs:      jobs,
		logger:    logger.Component("ingest-worker"),
		metrics:   m,
		cfg:       cfg,
	}
}

// Start launches worker goroutines until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

// Wait blocks until all worker goroutines exit.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("recovery worker started", "worker_id", workerID)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			w.logger.Debug("recovery worker stopping", "worker_id", workerID)
			return
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			w.logger.Error("failed to receive recovery jobs", "error", err, "worker_id", workerID)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.cfg.maxBackoff)
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var req JobRequest
	if err := json.Unmarshal([]byte(msg.Body), &req); err != nil || req.ID == "" {
		w.logger.Error("failed to decode recovery job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(msg.ReceiptHandle)
		return
	}

	ctx, span := tracer.Start(ctx, "ingest.job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("job.id", req.ID),
			attribute.String("org.id", req.OrgID),
		),
	)
	defer span.End()

	log := w.logger.With("job_id", req.ID, "org_id", req.OrgID, "msg_id", msg.ID)
	log.Info("worker processing job", "source_key", req.SourceKey)

	if w.jobs != nil {
		if err := w.jobs.MarkRunning(ctx, req.ID); err != nil {
			log.Warn("failed to mark job running", "error", err)
		}
	}

	start := time.Now()
	summary, err := w.processor.Process(ctx, req)
	elapsed := time.Since(start).Seconds()

	if err != nil && ctx.Err() != nil {
		// shutting down: leave the message for redelivery
		log.Warn("recovery job interrupted", "error", err)
		span.SetStatus(codes.Error, "interrupted")
		return
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.metrics.ObserveJob(string(JobStatusFailed), elapsed)
		log.Error("recovery job failed", "error", err)
		if w.jobs != nil {
			if storeErr := w.jobs.MarkFailed(ctx, req.ID, err.Error()); storeErr != nil {
				log.Error("failed to update job status", "error", storeErr)
			}
		}
	} else {
		w.metrics.ObserveJob(string(JobStatusCompleted), elapsed)
		span.SetAttributes(attribute.Int("job.rows", summary.Rows))
		if w.jobs != nil {
			if storeErr := w.jobs.MarkCompleted(ctx, req.ID, summary); storeErr != nil {
				log.Error("failed to update job status", "error", storeErr)
			}
		}
	}
	w.deleteMessage(msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(receiptHandle string) {
	ctx, cancel := context.WithTimeout(context.Background(), deleteTimeoutSeconds*time.Second)
	defer cancel()
	if err := w.queue.Delete(ctx, receiptHandle); err != nil {
		w.logger.Error("failed to delete recovery job message", "error", err)
	}
}
