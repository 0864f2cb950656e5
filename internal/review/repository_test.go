package review

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/conversation-recovery/internal/recovery"
	"github.com/wolfman30/conversation-recovery/internal/recovery/corruption"
	"github.com/wolfman30/conversation-recovery/internal/recovery/row"
	"github.com/wolfman30/conversation-recovery/internal/recovery/timestamp"
	"github.com/wolfman30/conversation-recovery/internal/speaker"
)

var itemColumns = []string{
	"id", "job_id", "org_id", "row_index", "reason", "confidence", "methods", "issue_kinds", "sender",
	"original_data", "recovered_data", "status", "speaker_role", "corrected_data",
	"reviewed_by", "created_at", "resolved_at",
}

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := NewRepository(db)
	repo.now = func() time.Time { return created }
	return repo, mock
}

func TestItemsFor(t *testing.T) {
	results := []recovery.Result{
		{RowIndex: 0, Success: true, Confidence: 0.9},
		{
			RowIndex:        1,
			Success:         false,
			Confidence:      0.2,
			MethodsUsed:     []recovery.Method{recovery.MethodFieldRemapping},
			RemainingIssues: []corruption.Issue{{Kind: corruption.KindMissingField, Field: "content"}},
			Recovered:       row.New("sender", "Glow Studio"),
		},
		{
			RowIndex:                2,
			Success:                 true,
			Confidence:              0.6,
			TimestampReconstruction: &timestamp.Result{Success: false, Method: timestamp.MethodFallback},
		},
	}

	items := ItemsFor("job-1", "org-1", results)
	require.Len(t, items, 2)

	assert.Equal(t, 1, items[0].RowIndex)
	assert.Equal(t, ReasonRecoveryFailed, items[0].Reason)
	assert.Equal(t, []string{"field_remapping"}, items[0].Methods)
	assert.Equal(t, []string{string(corruption.KindMissingField)}, items[0].IssueKinds)
	assert.Equal(t, "Glow Studio", items[0].Sender)
	assert.Equal(t, StatusPending, items[0].Status)

	assert.Equal(t, 2, items[1].RowIndex)
	assert.Equal(t, ReasonTimestampUnresolved, items[1].Reason)
}

func TestRepository_Enqueue(t *testing.T) {
	repo, mock := newRepo(t)

	items := []Item{
		{JobID: "job-1", OrgID: "org-1", RowIndex: 1, Reason: ReasonRecoveryFailed, Original: row.New("Col1", "x")},
		{JobID: "job-1", OrgID: "org-1", RowIndex: 4, Reason: ReasonRecoveryFailed},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO review_queue").
		WithArgs(sqlmock.AnyArg(), "job-1", "org-1", 1, ReasonRecoveryFailed, 0.0, sqlmock.AnyArg(),
			sqlmock.AnyArg(), "", []byte(`{"Col1":"x"}`), []byte("null"), StatusPending, created).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO review_queue").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	n, err := repo.Enqueue(context.Background(), items)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "conflicting row is not counted")
	assert.NotEmpty(t, items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Enqueue_RollsBackOnError(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO review_queue").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := repo.Enqueue(context.Background(), []Item{{JobID: "job-1", RowIndex: 0}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Enqueue_Empty(t *testing.T) {
	repo, mock := newRepo(t)
	n, err := repo.Enqueue(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_List(t *testing.T) {
	repo, mock := newRepo(t)

	rows := sqlmock.NewRows(itemColumns).
		AddRow("id-1", "job-1", "org-1", 3, "recovery_failed", 0.2, "{field_remapping,timestamp_recovery}",
			"{missing_field}", "Glow Studio", `{"Col1":"sent"}`, `{"message_type":"sent"}`,
			"pending", "", nil, "", created, nil)
	mock.ExpectQuery("SELECT (.+) FROM review_queue WHERE org_id = \\$1 AND status = \\$2").
		WithArgs("org-1", StatusPending, 100).
		WillReturnRows(rows)

	items, err := repo.List(context.Background(), "org-1", StatusPending, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	it := items[0]
	assert.Equal(t, "id-1", it.ID)
	assert.Equal(t, 3, it.RowIndex)
	assert.Equal(t, ReasonRecoveryFailed, it.Reason)
	assert.Equal(t, []string{"field_remapping", "timestamp_recovery"}, it.Methods)
	assert.Equal(t, row.New("Col1", "sent"), it.Original)
	assert.Equal(t, "sent", it.Recovered.String("message_type"))
	assert.Nil(t, it.Corrected)
	assert.Nil(t, it.ResolvedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, mock := newRepo(t)
	mock.ExpectQuery("SELECT (.+) FROM review_queue WHERE id = \\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(itemColumns))

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestRepository_Resolve(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectExec("UPDATE review_queue").
		WithArgs("id-1", StatusResolved, []byte(`{"sender":"Glow Studio"}`), "you", "ana", created, StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT (.+) FROM review_queue WHERE id = \\$1").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows(itemColumns).
			AddRow("id-1", "job-1", "org-1", 3, "recovery_failed", 0.2, "{}", "{}", "Glow Studio",
				`{}`, `{}`, "resolved", "you", `{"sender":"Glow Studio"}`, "ana", created, created))

	it, err := repo.Resolve(context.Background(), "id-1", Resolution{
		Corrected:  row.New("sender", "Glow Studio"),
		Role:       speaker.RoleYou,
		ReviewedBy: "ana",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, it.Status)
	assert.Equal(t, speaker.RoleYou, it.Role)
	require.NotNil(t, it.ResolvedAt)
	assert.Equal(t, "Glow Studio", it.Corrected.String("sender"))
	assert.Equal(t, []string{}, it.Methods)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_Resolve_Errors(t *testing.T) {
	t.Run("invalid role", func(t *testing.T) {
		repo, _ := newRepo(t)
		_, err := repo.Resolve(context.Background(), "id-1", Resolution{Role: "robot"})
		assert.Error(t, err)
	})

	t.Run("not pending", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec("UPDATE review_queue").WillReturnResult(sqlmock.NewResult(0, 0))
		_, err := repo.Resolve(context.Background(), "id-1", Resolution{Role: speaker.RoleClient})
		assert.ErrorIs(t, err, ErrItemNotFound)
	})
}
