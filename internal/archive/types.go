package archive

import (
	"time"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
)

// ResultRecord is one JSONL line of a results object.
type ResultRecord struct {
	JobID string `json:"job_id"`
	OrgID string `json:"org_id"`
	recovery.Result
}

// Summary is the trailing object written next to the results.
type Summary struct {
	Version    string         `json:"version"` // "1.0"
	JobID      string         `json:"job_id"`
	OrgID      string         `json:"org_id"`
	SourceKey  string         `json:"source_key"`
	ArchivedAt time.Time      `json:"archived_at"`
	Redacted   bool           `json:"redacted"`
	Stats      recovery.Stats `json:"stats"`
}

// ManifestEntry is one JSONL line in the monthly manifest file.
type ManifestEntry struct {
	JobID             string  `json:"job_id"`
	OrgID             string  `json:"org_id"`
	SourceKey         string  `json:"source_key"`
	ResultsKey        string  `json:"results_key"`
	ArchivedAt        string  `json:"archived_at"`
	Rows              int     `json:"rows"`
	Succeeded         int     `json:"succeeded"`
	NeedsReview       int     `json:"needs_review"`
	AverageConfidence float64 `json:"average_confidence"`
	// SenderHashes are HashContact digests of the distinct senders, so jobs
	// can be correlated by contact without storing it.
	SenderHashes []string `json:"sender_hashes,omitempty"`
}
