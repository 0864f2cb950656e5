// Package corruption inspects exported rows and reports typed structural issues
// together with a severity-weighted health score.
package corruption

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/conversation-recovery/internal/observability/metrics"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

var tracer = otel.Tracer("convo/corruption-detector")

// Kind classifies a corruption issue.
type Kind string

const (
	KindMissingField       Kind = "missing_field"
	KindFragmentedData     Kind = "fragmented_data"
	KindMalformedTimestamp Kind = "malformed_timestamp"
	KindEncodingError      Kind = "encoding_error"
	KindStructureMismatch  Kind = "structure_mismatch"
)

// Severity weights an issue for health scoring. It is never a hard gate.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Deduction is the health penalty for one issue of this severity.
func (s Severity) Deduction() float64 {
	switch s {
	case SeverityCritical:
		return 0.4
	case SeverityHigh:
		return 0.25
	case SeverityMedium:
		return 0.15
	case SeverityLow:
		return 0.05
	default:
		return 0
	}
}

// Issue is one problem found in a row.
type Issue struct {
	Kind        Kind     `json:"kind"`
	Field       string   `json:"field"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// Row is an analyzed row: the unit of work handed to recovery. Treat as immutable.
type Row struct {
	RowIndex int     `json:"row_index"`
	Original row.Raw `json:"original_data"`
	Issues   []Issue `json:"issues"`
	Health   float64 `json:"health"`
}

// Corrupted reports whether any issue was found.
func (r Row) Corrupted() bool {
	return len(r.Issues) > 0
}

// Health returns 1.0 minus the severity deductions, floored at 0.
func Health(issues []Issue) float64 {
	h := 1.0
	for _, is := range issues {
		h -= is.Severity.Deduction()
	}
	if h < 0 {
		return 0
	}
	return h
}

// HasKind reports whether issues contain the kind, optionally restricted to a field.
func HasKind(issues []Issue, kind Kind, field string) bool {
	for _, is := range issues {
		if is.Kind == kind && (field == "" || is.Field == field) {
			return true
		}
	}
	return false
}

// Detector finds corruption issues. It holds no per-row state and is safe for
// concurrent use.
type Detector struct {
	logger  *logging.Logger
	metrics *metrics.RecoveryMetrics
}

// NewDetector creates a detector. Both arguments may be nil.
func NewDetector(logger *logging.Logger, m *metrics.RecoveryMetrics) *Detector {
	if logger == nil {
		logger = logging.Default()
	}
	return &Detector{logger: logger.Component("corruption"), metrics: m}
}

// shortFragmentLen is the length under which a stray alphabetic value is
// treated as a piece of split message text.
const shortFragmentLen = 10

// Detect returns the issues found in r. It never mutates the row.
func (d *Detector) Detect(r row.Raw) []Issue {
	if r == nil {
		return []Issue{{
			Kind:        KindStructureMismatch,
			Field:       "",
			Severity:    SeverityCritical,
			Description: "row is not a field/value record",
		}}
	}

	var issues []Issue

	if !r.Has(row.FieldMessageType) {
		issues = append(issues, missing(row.FieldMessageType, SeverityHigh))
	}
	if !r.Has(row.FieldTimestamp) {
		issues = append(issues, missing(row.FieldTimestamp, SeverityHigh))
	}
	if !r.Has(row.FieldContent) {
		issues = append(issues, missing(row.FieldContent, SeverityCritical))
	}

	if key, ok := strayFragment(r); ok {
		issues = append(issues, Issue{
			Kind:        KindFragmentedData,
			Field:       key,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("short text %q outside the content column suggests split content", key),
		})
	}

	if key, v, ok := r.Find(row.FieldTimestamp); ok && !ValidTimestamp(v) {
		issues = append(issues, Issue{
			Kind:        KindMalformedTimestamp,
			Field:       key,
			Severity:    SeverityMedium,
			Description: fmt.Sprintf("value %v does not parse as a date", v),
		})
	}

	for _, c := range r {
		if !row.IsScalar(c.Value) {
			issues = append(issues, Issue{
				Kind:        KindStructureMismatch,
				Field:       c.Key,
				Severity:    SeverityMedium,
				Description: fmt.Sprintf("value of type %T is not a scalar", c.Value),
			})
			continue
		}
		if s, ok := c.Value.(string); ok && badEncoding(s) {
			issues = append(issues, Issue{
				Kind:        KindEncodingError,
				Field:       c.Key,
				Severity:    SeverityLow,
				Description: "text contains re-encoding artifacts",
			})
		}
	}

	return issues
}

// Analyze wraps Detect for one row of a batch and computes its health.
func (d *Detector) Analyze(ctx context.Context, index int, r row.Raw) Row {
	_, span := tracer.Start(ctx, "corruption.analyze")
	defer span.End()

	issues := d.Detect(r)
	health := Health(issues)

	span.SetAttributes(
		attribute.Int("row.index", index),
		attribute.Int("row.issues", len(issues)),
		attribute.Float64("row.health", health),
	)

	for _, is := range issues {
		d.metrics.ObserveIssue(string(is.Kind), string(is.Severity))
		d.logger.Debug("corruption issue detected",
			"row_index", index,
			"kind", is.Kind,
			"field", is.Field,
			"severity", is.Severity,
		)
	}
	d.metrics.ObserveRow(len(issues) > 0, health)

	return Row{RowIndex: index, Original: r, Issues: issues, Health: health}
}

func missing(field row.Field, sev Severity) Issue {
	return Issue{
		Kind:        KindMissingField,
		Field:       string(field),
		Severity:    sev,
		Description: fmt.Sprintf("no value for %s under any known column name", field),
	}
}

// strayFragment looks for a short alphabetic value in a column that is not a
// recognised field, once the row holds more than two values.
func strayFragment(r row.Raw) (string, bool) {
	cells := r.NonEmpty()
	if len(cells) <= 2 {
		return "", false
	}
	for _, c := range cells {
		if _, known := row.FieldForKey(c.Key); known {
			continue
		}
		s, ok := c.Value.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		if len([]rune(s)) < shortFragmentLen && alphabetic(s) {
			return c.Key, true
		}
	}
	return "", false
}

func alphabetic(s string) bool {
	letters := 0
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letters++
		case r == ' ' || r == '\'' || r == ',' || r == '.' || r == '!' || r == '?':
		default:
			return false
		}
	}
	return letters > 0
}

var encodingArtifacts = []string{"\uFFFD", "Â", "â€"}

func badEncoding(s string) bool {
	for _, a := range encodingArtifacts {
		if strings.Contains(s, a) {
			return true
		}
	}
	for _, r := range s {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}
