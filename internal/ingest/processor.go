package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/review"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// RowSource loads the rows of an export.
type RowSource interface {
	LoadRows(ctx context.Context, key string) ([]row.Raw, error)
}

// ResultSink stores a recovery report and returns where it went.
type ResultSink interface {
	SaveResults(ctx context.Context, jobID, orgID, sourceKey string, report recovery.Report) (string, error)
}

// ReviewQueue accepts rows that need a human decision.
type ReviewQueue interface {
	Enqueue(ctx context.Context, items []review.Item) (int, error)
}

// Processor runs one recovery job end to end.
type Processor struct {
	source     RowSource
	sink       ResultSink
	reviews    ReviewQueue
	profiles   speaker.ProfileStore
	base       *speaker.Profile
	engineOpts []recovery.Option
	logger     *logging.Logger
	metrics    *metrics.RecoveryMetrics
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

func WithResultSink(sink ResultSink) ProcessorOption {
	return func(p *Processor) { p.sink = sink }
}

func WithReviewQueue(q ReviewQueue) ProcessorOption {
	return func(p *Processor) { p.reviews = q }
}

// WithProfileStore loads each org's learned speaker profile before recovery.
func WithProfileStore(store speaker.ProfileStore) ProcessorOption {
	return func(p *Processor) { p.profiles = store }
}

// WithBaseProfile sets the profile used when an org has none stored.
func WithBaseProfile(profile *speaker.Profile) ProcessorOption {
	return func(p *Processor) { p.base = profile }
}

// WithEngineOptions passes extra options to every engine the processor builds.
func WithEngineOptions(opts ...recovery.Option) ProcessorOption {
	return func(p *Processor) { p.engineOpts = append(p.engineOpts, opts...) }
}

func WithProcessorLogger(logger *logging.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithProcessorMetrics(m *metrics.RecoveryMetrics) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

func NewProcessor(source RowSource, opts ...ProcessorOption) *Processor {
	if source == nil {
		panic("ingest: row source cannot be nil")
	}
	p := &Processor{source: source, logger: logging.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.Component("ingest")
	return p
}

// Process loads the export, recovers it with the org's speaker profile,
// archives the report and queues rows that need review.
func (p *Processor) Process(ctx context.Context, req JobRequest) (JobSummary, error) {
	log := p.logger.With("job_id", req.ID, "org_id", req.OrgID)

	rows, err := p.source.LoadRows(ctx, req.SourceKey)
	if err != nil {
		return JobSummary{}, fmt.Errorf("ingest: load rows: %w", err)
	}

	id, err := p.identifier(ctx, req.OrgID)
	if err != nil {
		return JobSummary{}, err
	}
	opts := append([]recovery.Option{}, p.engineOpts...)
	opts = append(opts,
		recovery.WithIdentifier(id),
		recovery.WithLogger(p.logger),
		recovery.WithMetrics(p.metrics),
	)
	engine := recovery.NewEngine(opts...)

	analysis, report, err := engine.Run(ctx, rows)
	if err != nil {
		return JobSummary{}, err
	}

	summary := JobSummary{
		Rows:              len(rows),
		Corrupted:         analysis.Stats.Corrupted,
		Succeeded:         report.Stats.Succeeded,
		Failed:            report.Stats.Failed,
		NeedsReview:       report.Stats.NeedsReview,
		AverageConfidence: report.Stats.AverageConfidence,
	}

	if p.sink != nil {
		key, err := p.sink.SaveResults(ctx, req.ID, req.OrgID, req.SourceKey, report)
		if err != nil {
			return summary, fmt.Errorf("ingest: save results: %w", err)
		}
		summary.ResultsKey = key
	}

	if p.reviews != nil {
		items := review.ItemsFor(req.ID, req.OrgID, report.Results)
		queued, err := p.reviews.Enqueue(ctx, items)
		if err != nil {
			return summary, fmt.Errorf("ingest: enqueue review: %w", err)
		}
		summary.Queued = queued
	}

	log.Info("recovery job processed",
		"rows", summary.Rows,
		"corrupted", summary.Corrupted,
		"succeeded", summary.Succeeded,
		"needs_review", summary.NeedsReview,
		"average_confidence", summary.AverageConfidence,
	)
	return summary, nil
}

func (p *Processor) identifier(ctx context.Context, orgID string) (*speaker.Identifier, error) {
	opts := []speaker.IdentifierOption{
		speaker.WithIdentifierLogger(p.logger),
		speaker.WithIdentifierMetrics(p.metrics),
	}
	if p.profiles == nil {
		return speaker.NewIdentifier(p.base, opts...), nil
	}
	id, err := speaker.LoadIdentifier(ctx, p.profiles, orgID, p.base, opts...)
	if err != nil && !errors.Is(err, context.Canceled) {
		// a broken stored profile should not block recovery
		p.logger.Warn("speaker profile unavailable, using base profile", "org_id", orgID, "error", err)
		return speaker.NewIdentifier(p.base, opts...), nil
	}
	return id, err
}
