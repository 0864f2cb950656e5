// Package review persists recovered rows that need a human decision and the
// corrections reviewers make to them.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
)

// ErrItemNotFound is returned when no pending item has the given ID.
var ErrItemNotFound = errors.New("review: item not found")

// Status of a queued item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
)

// Reason explains why a row was queued.
type Reason string

const (
	ReasonRecoveryFailed      Reason = "recovery_failed"
	ReasonTimestampUnresolved Reason = "timestamp_unresolved"
)

// Item is one row waiting for (or having had) review.
type Item struct {
	ID         string       `json:"id"`
	JobID      string       `json:"job_id"`
	OrgID      string       `json:"org_id"`
	RowIndex   int          `json:"row_index"`
	Reason     Reason       `json:"reason"`
	Confidence float64      `json:"confidence"`
	Methods    []string     `json:"methods"`
	IssueKinds []string     `json:"issue_kinds"`
	Sender     string       `json:"sender"`
	Original   row.Raw      `json:"original_data"`
	Recovered  row.Raw      `json:"recovered_data"`
	Status     Status       `json:"status"`
	Role       speaker.Role `json:"role,omitempty"`
	Corrected  row.Raw      `json:"corrected_data,omitempty"`
	ReviewedBy string       `json:"reviewed_by,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt *time.Time   `json:"resolved_at,omitempty"`
}

// Resolution is a reviewer's decision for one item.
type Resolution struct {
	Corrected  row.Raw
	Role       speaker.Role
	ReviewedBy string
}

// Repository stores review items in Postgres.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ItemsFor builds queue items for the results that need review.
func ItemsFor(jobID, orgID string, results []recovery.Result) []Item {
	var out []Item
	for _, res := range results {
		if !recovery.NeedsReview(res) {
			continue
		}
		reason := ReasonRecoveryFailed
		if res.Success {
			reason = ReasonTimestampUnresolved
		}
		methods := make([]string, 0, len(res.MethodsUsed))
		for _, m := range res.MethodsUsed {
			methods = append(methods, string(m))
		}
		kinds := make([]string, 0, len(res.RemainingIssues))
		for _, is := range res.RemainingIssues {
			kinds = append(kinds, string(is.Kind))
		}
		out = append(out, Item{
			JobID:      jobID,
			OrgID:      orgID,
			RowIndex:   res.RowIndex,
			Reason:     reason,
			Confidence: res.Confidence,
			Methods:    methods,
			IssueKinds: kinds,
			Sender:     res.Recovered.FieldText(row.FieldSender),
			Original:   res.Original,
			Recovered:  res.Recovered,
			Status:     StatusPending,
		})
	}
	return out
}

// Enqueue inserts items in one transaction and returns how many were written.
// Rows already queued for the same job are skipped.
func (r *Repository) Enqueue(ctx context.Context, items []Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("review: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := r.now()
	var written int64
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
		it.CreatedAt = now
		original, err := json.Marshal(it.Original)
		if err != nil {
			return 0, fmt.Errorf("review: marshal original row %d: %w", it.RowIndex, err)
		}
		recovered, err := json.Marshal(it.Recovered)
		if err != nil {
			return 0, fmt.Errorf("review: marshal recovered row %d: %w", it.RowIndex, err)
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO review_queue (id, job_id, org_id, row_index, reason, confidence, methods,
			    issue_kinds, sender, original_data, recovered_data, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (job_id, row_index) DO NOTHING`,
			it.ID, it.JobID, it.OrgID, it.RowIndex, it.Reason, it.Confidence, pq.Array(it.Methods),
			pq.Array(it.IssueKinds), it.Sender, original, recovered, StatusPending, now)
		if err != nil {
			return 0, fmt.Errorf("review: insert row %d: %w", it.RowIndex, err)
		}
		if n, err := result.RowsAffected(); err == nil {
			written += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("review: commit: %w", err)
	}
	return int(written), nil
}

const selectItem = `
	SELECT id, job_id, org_id, row_index, reason, confidence, methods, issue_kinds, sender,
	       original_data, recovered_data, status, COALESCE(speaker_role, ''), corrected_data,
	       COALESCE(reviewed_by, ''), created_at, resolved_at
	FROM review_queue`

// List returns an org's items with the given status, oldest first.
func (r *Repository) List(ctx context.Context, orgID string, status Status, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, selectItem+`
		WHERE org_id = $1 AND status = $2 ORDER BY created_at ASC, row_index ASC LIMIT $3`,
		orgID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("review: list: %w", err)
	}
	defer rows.Close()

	out := []Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// Get returns one item by ID.
func (r *Repository) Get(ctx context.Context, id string) (*Item, error) {
	it, err := scanItem(r.db.QueryRowContext(ctx, selectItem+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrItemNotFound
	}
	return it, err
}

// Resolve records a decision on a pending item and returns the updated item.
func (r *Repository) Resolve(ctx context.Context, id string, res Resolution) (*Item, error) {
	if res.Role != "" && !res.Role.Valid() {
		return nil, fmt.Errorf("review: invalid role %q", res.Role)
	}
	var corrected []byte
	if res.Corrected != nil {
		var err error
		if corrected, err = json.Marshal(res.Corrected); err != nil {
			return nil, fmt.Errorf("review: marshal correction: %w", err)
		}
	}
	result, err := r.db.ExecContext(ctx, `
		UPDATE review_queue
		SET status = $2, corrected_data = $3, speaker_role = NULLIF($4, ''), reviewed_by = $5, resolved_at = $6
		WHERE id = $1 AND status = $7`,
		id, StatusResolved, corrected, string(res.Role), res.ReviewedBy, r.now(), StatusPending)
	if err != nil {
		return nil, fmt.Errorf("review: resolve: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("review: resolve: %w", err)
	}
	if n == 0 {
		return nil, ErrItemNotFound
	}
	return r.Get(ctx, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(s scanner) (*Item, error) {
	var (
		it                             Item
		role                           string
		original, recovered, corrected []byte
		resolvedAt                     sql.NullTime
	)
	if err := s.Scan(&it.ID, &it.JobID, &it.OrgID, &it.RowIndex, &it.Reason, &it.Confidence,
		pq.Array(&it.Methods), pq.Array(&it.IssueKinds), &it.Sender, &original, &recovered,
		&it.Status, &role, &corrected, &it.ReviewedBy, &it.CreatedAt, &resolvedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("review: scan: %w", err)
	}
	it.Role = speaker.Role(role)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		it.ResolvedAt = &t
	}
	for _, f := range []struct {
		data []byte
		dst  *row.Raw
	}{{original, &it.Original}, {recovered, &it.Recovered}, {corrected, &it.Corrected}} {
		if len(f.data) == 0 {
			continue
		}
		if err := json.Unmarshal(f.data, f.dst); err != nil {
			return nil, fmt.Errorf("review: decode row data: %w", err)
		}
	}
	if it.Methods == nil {
		it.Methods = []string{}
	}
	if it.IssueKinds == nil {
		it.IssueKinds = []string{}
	}
	return &it, nil
}
