package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/pkg/logging"
)

// S3API is the subset of the S3 client used by Store.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// ErrExportNotFound is returned when the export object does not exist.
var ErrExportNotFound = errors.New("archive: export not found")

// Store reads exports from one bucket and writes recovery results to another.
type Store struct {
	exportBucket  string
	resultsBucket string
	s3Client      S3API
	logger        *logging.Logger
	redact        bool
	now           func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithRedaction scrubs emails and phone numbers from stored rows.
func WithRedaction(enabled bool) StoreOption {
	return func(s *Store) { s.redact = enabled }
}

// WithStoreClock overrides the clock used for object keys.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore creates a Store. If resultsBucket is empty, result archival is a no-op.
func NewStore(s3Client S3API, exportBucket, resultsBucket string, logger *logging.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{
		exportBucket:  exportBucket,
		resultsBucket: resultsBucket,
		s3Client:      s3Client,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled returns true if result archival is configured.
func (s *Store) Enabled() bool {
	return s != nil && s.resultsBucket != "" && s.s3Client != nil
}

// LoadRows fetches an export object and parses it into rows.
func (s *Store) LoadRows(ctx context.Context, key string) ([]row.Raw, error) {
	if s == nil || s.s3Client == nil || s.exportBucket == "" {
		return nil, errors.New("archive: export bucket not configured")
	}
	resp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.exportBucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrExportNotFound, key)
		}
		return nil, fmt.Errorf("archive: s3 get %s: %w", key, err)
	}
	defer resp.Body.Close()

	rows, err := ParseRows(resp.Body, FormatFromName(key))
	if err != nil {
		return nil, fmt.Errorf("archive: parse %s: %w", key, err)
	}
	s.logger.Info("loaded export", "key", key, "rows", len(rows))
	return rows, nil
}

// SaveResults writes one JSONL record per row and a summary object, then
// appends the job to the monthly manifest. It returns the results key.
func (s *Store) SaveResults(ctx context.Context, jobID, orgID, sourceKey string, report recovery.Report) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	now := s.now()
	prefix := fmt.Sprintf("recoveries/v1/by-date/%d/%02d/%02d/%s", now.Year(), now.Month(), now.Day(), jobID)
	resultsKey := prefix + ".jsonl"

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, res := range report.Results {
		if s.redact {
			res = ScrubResult(res)
		}
		if err := enc.Encode(ResultRecord{JobID: jobID, OrgID: orgID, Result: res}); err != nil {
			return "", fmt.Errorf("archive: marshal result %d: %w", res.RowIndex, err)
		}
	}
	if err := s.put(ctx, resultsKey, buf.Bytes(), "application/x-ndjson"); err != nil {
		return "", err
	}

	summary, err := json.Marshal(Summary{
		Version:    "1.0",
		JobID:      jobID,
		OrgID:      orgID,
		SourceKey:  sourceKey,
		ArchivedAt: now,
		Redacted:   s.redact,
		Stats:      report.Stats,
	})
	if err != nil {
		return "", fmt.Errorf("archive: marshal summary: %w", err)
	}
	if err := s.put(ctx, prefix+".summary.json", summary, "application/json"); err != nil {
		return "", err
	}

	s.logger.Info("archived recovery results",
		"job_id", jobID,
		"org_id", orgID,
		"s3_key", resultsKey,
		"rows", report.Stats.Total,
	)

	entry := ManifestEntry{
		JobID:             jobID,
		OrgID:             orgID,
		SourceKey:         sourceKey,
		ResultsKey:        resultsKey,
		ArchivedAt:        now.Format(time.RFC3339),
		Rows:              report.Stats.Total,
		Succeeded:         report.Stats.Succeeded,
		NeedsReview:       report.Stats.NeedsReview,
		AverageConfidence: report.Stats.AverageConfidence,
		SenderHashes:      senderHashes(report.Results),
	}
	if err := s.AppendManifest(ctx, entry); err != nil {
		// results are already stored
		s.logger.Warn("failed to append manifest", "error", err, "job_id", jobID)
	}
	return resultsKey, nil
}

// AppendManifest appends a JSONL line to the monthly manifest file.
// S3 has no append, so the object is rewritten.
func (s *Store) AppendManifest(ctx context.Context, entry ManifestEntry) error {
	if !s.Enabled() {
		return nil
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("archive: marshal manifest entry: %w", err)
	}

	now := s.now()
	manifestKey := fmt.Sprintf("recoveries/v1/manifests/%d-%02d.jsonl", now.Year(), now.Month())

	var existing []byte
	getResp, err := s.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.resultsBucket),
		Key:    aws.String(manifestKey),
	})
	switch {
	case err == nil:
		existing, err = io.ReadAll(getResp.Body)
		getResp.Body.Close()
		if err != nil {
			return fmt.Errorf("archive: read manifest: %w", err)
		}
	case isNotFound(err):
		s.logger.Debug("manifest not found, creating new", "key", manifestKey)
	default:
		return fmt.Errorf("archive: s3 get manifest: %w", err)
	}

	var buf bytes.Buffer
	if len(existing) > 0 {
		buf.Write(existing)
		if existing[len(existing)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	buf.Write(line)
	buf.WriteByte('\n')

	return s.put(ctx, manifestKey, buf.Bytes(), "application/x-ndjson")
}

func (s *Store) put(ctx context.Context, key string, body []byte, contentType string) error {
	_, err := s.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.resultsBucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: s3 put %s: %w", key, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "StatusCode: 404")
}

// senderHashes returns the sorted distinct hashes of every sender seen in the
// results, recovered value first.
func senderHashes(results []recovery.Result) []string {
	seen := map[string]bool{}
	var out []string
	for _, res := range results {
		sender := res.Recovered.FieldText(row.FieldSender)
		if sender == "" {
			sender = res.Original.FieldText(row.FieldSender)
		}
		if sender == "" {
			continue
		}
		h := HashContact(sender)
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}
