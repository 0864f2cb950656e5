// Package recovery repairs corrupted export rows and attributes each recovered
// message to a speaker.
package recovery

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/internal/recovery/corruption"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/recovery/timestamp"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

var tracer = otel.Tracer("convo/recovery-engine")

// Result is the outcome of recovering one row. Callers must branch on
// Success; a populated field does not imply it is trustworthy.
type Result struct {
	RowIndex        int                `json:"row_index"`
	Success         bool               `json:"success"`
	Original        row.Raw            `json:"original_data"`
	Recovered       row.Raw            `json:"recovered_data"`
	Confidence      float64            `json:"confidence"`
	MethodsUsed     []Method           `json:"methods_used"`
	OriginalIssues  []corruption.Issue `json:"original_issues"`
	RemainingIssues []corruption.Issue `json:"remaining_issues"`
	// ReconstructionDetails logs, in order, what each strategy did to the row
	// and which strategies failed or panicked.
	ReconstructionDetails   []string          `json:"reconstruction_details"`
	TimestampReconstruction *timestamp.Result `json:"timestamp_reconstruction,omitempty"`
	Attribution             *speaker.Result   `json:"attribution,omitempty"`
}

// AnalysisStats summarises a detector pass.
type AnalysisStats struct {
	Total         int                     `json:"total"`
	Corrupted     int                     `json:"corrupted"`
	Clean         int                     `json:"clean"`
	IssuesByKind  map[corruption.Kind]int `json:"issues_by_kind"`
	AverageHealth float64                 `json:"average_health"`
}

// Analysis holds every analyzed row, clean ones included.
type Analysis struct {
	Rows  []corruption.Row `json:"rows"`
	Stats AnalysisStats    `json:"stats"`
}

// Corrupted returns only the rows with at least one issue.
func (a Analysis) Corrupted() []corruption.Row {
	var out []corruption.Row
	for _, r := range a.Rows {
		if r.Corrupted() {
			out = append(out, r)
		}
	}
	return out
}

// Stats summarises a recovery pass.
type Stats struct {
	Total             int                  `json:"total"`
	Succeeded         int                  `json:"succeeded"`
	Failed            int                  `json:"failed"`
	AverageConfidence float64              `json:"average_confidence"`
	MethodCounts      map[Method]int       `json:"method_counts"`
	NeedsReview       int                  `json:"needs_review"`
	Roles             map[speaker.Role]int `json:"roles"`
}

// Report is the output of Recover.
type Report struct {
	Results []Result `json:"results"`
	Stats   Stats    `json:"stats"`
}

// Engine runs detection, the repair strategies and speaker attribution.
type Engine struct {
	detector      *corruption.Detector
	reconstructor *timestamp.Reconstructor
	identifier    *speaker.Identifier
	logger        *logging.Logger
	metrics       *metrics.RecoveryMetrics
	concurrency   int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConcurrency bounds how many rows are recovered in parallel.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

func WithMetrics(m *metrics.RecoveryMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

func WithDetector(d *corruption.Detector) Option {
	return func(e *Engine) {
		if d != nil {
			e.detector = d
		}
	}
}

func WithReconstructor(r *timestamp.Reconstructor) Option {
	return func(e *Engine) {
		if r != nil {
			e.reconstructor = r
		}
	}
}

// WithIdentifier sets the identifier used for attribution. Its learned profile
// is shared with whoever else holds it.
func WithIdentifier(id *speaker.Identifier) Option {
	return func(e *Engine) {
		if id != nil {
			e.identifier = id
		}
	}
}

// NewEngine creates an engine. Components not supplied through options are
// built with defaults sharing the engine's logger and metrics.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		logger:      logging.Default(),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.detector == nil {
		e.detector = corruption.NewDetector(e.logger, e.metrics)
	}
	if e.reconstructor == nil {
		e.reconstructor = timestamp.New(timestamp.WithLogger(e.logger), timestamp.WithMetrics(e.metrics))
	}
	if e.identifier == nil {
		e.identifier = speaker.NewIdentifier(nil,
			speaker.WithIdentifierLogger(e.logger),
			speaker.WithIdentifierMetrics(e.metrics),
		)
	}
	e.logger = e.logger.Component("recovery")
	return e
}

// Identifier exposes the engine's speaker identifier so callers can feed it
// corrections and persist its profile.
func (e *Engine) Identifier() *speaker.Identifier {
	return e.identifier
}

// Analyze runs the corruption detector over every row.
func (e *Engine) Analyze(ctx context.Context, rows []row.Raw) Analysis {
	ctx, span := tracer.Start(ctx, "recovery.analyze")
	defer span.End()

	out := Analysis{
		Rows:  make([]corruption.Row, len(rows)),
		Stats: AnalysisStats{Total: len(rows), IssuesByKind: map[corruption.Kind]int{}},
	}
	var health float64
	for i, r := range rows {
		analyzed := e.detector.Analyze(ctx, i, r)
		out.Rows[i] = analyzed
		health += analyzed.Health
		if analyzed.Corrupted() {
			out.Stats.Corrupted++
		} else {
			out.Stats.Clean++
		}
		for _, is := range analyzed.Issues {
			out.Stats.IssuesByKind[is.Kind]++
		}
	}
	if len(rows) > 0 {
		out.Stats.AverageHealth = health / float64(len(rows))
	}

	span.SetAttributes(
		attribute.Int("rows.total", out.Stats.Total),
		attribute.Int("rows.corrupted", out.Stats.Corrupted),
	)
	e.logger.Info("analysis complete",
		"rows", out.Stats.Total,
		"corrupted", out.Stats.Corrupted,
		"average_health", out.Stats.AverageHealth,
	)
	return out
}

// Recover repairs rows in parallel and then attributes them in order.
// dataset is the full original export used for neighbour context; it may be
// nil. The only error is ctx cancellation.
func (e *Engine) Recover(ctx context.Context, rows []corruption.Row, dataset []row.Raw) (Report, error) {
	ctx, span := tracer.Start(ctx, "recovery.recover")
	defer span.End()
	start := time.Now()

	results := make([]Result, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = e.recoverRow(gctx, rows[i], dataset)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("recovery: recover rows: %w", err)
	}

	e.attributeSpeakers(ctx, results)

	report := Report{Results: results, Stats: summarize(results)}
	span.SetAttributes(
		attribute.Int("rows.succeeded", report.Stats.Succeeded),
		attribute.Int("rows.failed", report.Stats.Failed),
	)
	e.logger.Info("recovery complete",
		"rows", report.Stats.Total,
		"succeeded", report.Stats.Succeeded,
		"failed", report.Stats.Failed,
		"average_confidence", report.Stats.AverageConfidence,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return report, nil
}

// Run analyzes and recovers rows, using them as their own dataset context.
func (e *Engine) Run(ctx context.Context, rows []row.Raw) (Analysis, Report, error) {
	analysis := e.Analyze(ctx, rows)
	report, err := e.Recover(ctx, analysis.Rows, rows)
	return analysis, report, err
}

func (e *Engine) recoverRow(ctx context.Context, cr corruption.Row, dataset []row.Raw) Result {
	_, span := tracer.Start(ctx, "recovery.row")
	defer span.End()
	span.SetAttributes(attribute.Int("row.index", cr.RowIndex))

	res := Result{
		RowIndex:              cr.RowIndex,
		Original:              cr.Original,
		OriginalIssues:        cr.Issues,
		MethodsUsed:           []Method{},
		ReconstructionDetails: []string{},
	}

	if cr.Original == nil {
		res.RemainingIssues = cr.Issues
		e.logger.Warn("row rejected", "row_index", cr.RowIndex, "reason", "not a field/value record")
		e.metrics.ObserveResult(false, 0)
		return res
	}

	if !cr.Corrupted() {
		res.Recovered = cr.Original.Clone()
		res.Confidence = 1
		res.Success = usable(res.Recovered)
		e.metrics.ObserveResult(res.Success, res.Confidence)
		return res
	}

	st := &state{
		index:    cr.RowIndex,
		issues:   cr.Issues,
		original: cr.Original,
		data:     cr.Original.Clone(),
		dataset:  dataset,
	}
	for _, s := range e.strategies() {
		if e.apply(ctx, st, s) {
			res.MethodsUsed = append(res.MethodsUsed, s.method)
			e.metrics.ObserveStrategy(string(s.method))
		}
	}

	res.Recovered = st.data
	res.ReconstructionDetails = append(res.ReconstructionDetails, st.details...)
	res.TimestampReconstruction = st.reconstruction
	res.RemainingIssues = e.detector.Detect(st.data)
	res.Confidence = score(len(cr.Issues), len(res.RemainingIssues), len(res.MethodsUsed))
	res.Success = res.Confidence > successThreshold && usable(res.Recovered)

	span.SetAttributes(
		attribute.Float64("row.confidence", res.Confidence),
		attribute.Bool("row.success", res.Success),
	)
	e.metrics.ObserveResult(res.Success, res.Confidence)
	e.logger.Debug("row recovered",
		"row_index", cr.RowIndex,
		"methods", res.MethodsUsed,
		"original_issues", len(cr.Issues),
		"remaining_issues", len(res.RemainingIssues),
		"confidence", res.Confidence,
		"success", res.Success,
	)
	return res
}

const (
	successThreshold = 0.3
	methodBonus      = 0.1
	maxMethodBonus   = 0.3
)

// score is the resolution rate plus a capped bonus per applied strategy,
// clamped to [0,1].
func score(original, remaining, methods int) float64 {
	rate := 1.0
	if original > 0 {
		rate = float64(original-remaining) / float64(original)
	}
	if rate < 0 {
		rate = 0
	}
	bonus := methodBonus * float64(methods)
	if bonus > maxMethodBonus {
		bonus = maxMethodBonus
	}
	conf := rate + bonus
	if conf > 1 {
		conf = 1
	}
	return conf
}

// usable reports whether downstream storage can accept the row: content plus
// a direction or a sender.
func usable(r row.Raw) bool {
	return r.Has(row.FieldContent) && (r.Has(row.FieldMessageType) || r.Has(row.FieldSender))
}

// attributeSpeakers identifies speakers in row order so each row sees the roles
// assigned before it.
func (e *Engine) attributeSpeakers(ctx context.Context, results []Result) {
	var prior []speaker.PriorMessage
	for i := range results {
		data := results[i].Recovered
		if data == nil {
			continue
		}
		content := data.FieldText(row.FieldContent)
		attr := e.identifier.Identify(ctx, speaker.Input{
			Sender:      data.FieldText(row.FieldSender),
			MessageType: data.FieldText(row.FieldMessageType),
			Content:     content,
			Prior:       prior,
		})
		results[i].Attribution = &attr
		prior = append(prior, speaker.PriorMessage{Role: attr.Role, Content: content})
	}
}

// NeedsReview reports whether a result should be queued for manual review:
// it failed, or its timestamp could not be reconstructed.
func NeedsReview(r Result) bool {
	if !r.Success {
		return true
	}
	return r.TimestampReconstruction != nil && !r.TimestampReconstruction.Success
}

func summarize(results []Result) Stats {
	st := Stats{
		Total:        len(results),
		MethodCounts: map[Method]int{},
		Roles:        map[speaker.Role]int{},
	}
	var conf float64
	for _, r := range results {
		conf += r.Confidence
		if r.Success {
			st.Succeeded++
		} else {
			st.Failed++
		}
		if NeedsReview(r) {
			st.NeedsReview++
		}
		for _, m := range r.MethodsUsed {
			st.MethodCounts[m]++
		}
		if r.Attribution != nil {
			st.Roles[r.Attribution.Role]++
		}
	}
	if len(results) > 0 {
		st.AverageConfidence = conf / float64(len(results))
	}
	return st
}
