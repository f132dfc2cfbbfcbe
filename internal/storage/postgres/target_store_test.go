package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

var targetCols = []string{
	"id", "partition_key", "city", "category", "priority", "status", "claimed_by", "claimed_at",
	"heartbeat_at", "attempts", "last_error", "page_current", "resume_token", "max_pages", "note",
}

func ptr[T any](v T) *T { return &v }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *TargetStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewTargetStoreWithPool(mock)
	require.NoError(t, err)
	return mock, s
}

func TestClaimUsesSkipLockedAndScansRows(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	rows := pgxmock.NewRows(targetCols).
		AddRow(int64(7), "CA", "Fresno", "plumbers", 1, "in_progress", ptr("w1"), ptr(now),
			ptr(now), 0, (*string)(nil), 2, ptr("https://example.com/p3"), 10, (*string)(nil))
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs([]string{}, 1, "w1", now).
		WillReturnRows(rows)

	got, err := s.Claim(context.Background(), store.Filter{}, "w1", now, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, int64(7), got[0].ID)
	require.Equal(t, store.StatusInProgress, got[0].Status)
	require.Equal(t, 3, got[0].NextPage())
	require.Equal(t, "https://example.com/p3", got[0].Token())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPassesPartitionFilter(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("WITH next AS").
		WithArgs([]string{"CA", "TX"}, 5, "w2", now).
		WillReturnRows(pgxmock.NewRows(targetCols))

	got, err := s.Claim(context.Background(), store.Filter{PartitionKeys: []string{"CA", "TX"}}, "w2", now, 5)
	require.NoError(t, err)
	require.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHeartbeatDistinguishesLeaseLostFromMissing(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(1), "w1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(2), "w1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(2)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(3), "w1", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.ErrorIs(t, s.Heartbeat(context.Background(), 1, "w1", now), store.ErrLeaseLost)
	require.ErrorIs(t, s.Heartbeat(context.Background(), 2, "w1", now), store.ErrNotFound)
	require.NoError(t, s.Heartbeat(context.Background(), 3, "w1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointAdvancesCursorAndLogsCommit(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "claimed_by", "page_current"}).
			AddRow("in_progress", ptr("w1"), 2))
	mock.ExpectExec("UPDATE targets").
		WithArgs(int64(9), 3, ptr("next-url"), now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("INSERT INTO page_log").
		WithArgs(int64(9), "w1", 3, ptr("next-url"), 12, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.Checkpoint(context.Background(), 9, "w1", store.Cursor{Page: 3, ResumeToken: "next-url"}, 12, now)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckpointRejectsSkippedPage(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(9)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "claimed_by", "page_current"}).
			AddRow("in_progress", ptr("w1"), 2))
	mock.ExpectRollback()

	err := s.Checkpoint(context.Background(), 9, "w1", store.Cursor{Page: 5}, 0, now)
	require.ErrorIs(t, err, store.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordIntentRequiresOwnership(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "claimed_by", "page_current"}).
			AddRow("in_progress", ptr("other"), 0))
	mock.ExpectRollback()

	err := s.RecordIntent(context.Background(), 4, "w1", 1, "https://example.com/p1", now)
	require.ErrorIs(t, err, store.ErrLeaseLost)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs(int64(4)).
		WillReturnRows(pgxmock.NewRows([]string{"status", "claimed_by", "page_current"}).
			AddRow("in_progress", ptr("w1"), 0))
	mock.ExpectExec("INSERT INTO page_log").
		WithArgs(int64(4), "w1", 1, "https://example.com/p1", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.RecordIntent(context.Background(), 4, "w1", 1, "https://example.com/p1", now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFailReturnsResultingStatus(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()

	mock.ExpectQuery("RETURNING status").
		WithArgs(int64(5), "w1", "timeout", 3, store.NoteMaxAttempts).
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("failed"))
	mock.ExpectQuery("RETURNING status").
		WithArgs(int64(6), "w1", "timeout", 3, store.NoteMaxAttempts).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(6)).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	status, err := s.Fail(context.Background(), 5, "w1", "timeout", 3, now)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, status)

	_, err = s.Fail(context.Background(), 6, "w1", "timeout", 3, now)
	require.ErrorIs(t, err, store.ErrLeaseLost)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStaleSplitsRequeuedAndFailed(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	cutoff := now.Add(-5 * time.Minute)

	mock.ExpectQuery("WITH stale AS").
		WithArgs(cutoff, 3, staleLeaseError, store.NoteMaxAttempts).
		WillReturnRows(pgxmock.NewRows([]string{"id", "status"}).
			AddRow(int64(1), "planned").
			AddRow(int64(2), "failed").
			AddRow(int64(3), "planned"))

	res, err := s.ReclaimStale(context.Background(), cutoff, 3, now)
	require.NoError(t, err)
	require.Equal(t, []int64{1, 3}, res.Requeued)
	require.Equal(t, []int64{2}, res.Failed)
	require.Equal(t, 3, res.Total())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCountsOnlyNewIdentities(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("ON CONFLICT").
		WithArgs("CA", "Fresno", "plumbers", 1, 20).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("ON CONFLICT").
		WithArgs("CA", "Fresno", "dentists", 2, 20).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	n, err := s.Insert(context.Background(), []store.NewTarget{
		{PartitionKey: "CA", City: "Fresno", Category: "plumbers", Priority: 1, MaxPages: 20},
		{PartitionKey: "CA", City: "Fresno", Category: "dentists", Priority: 2, MaxPages: 20},
	})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplanSkipsInProgress(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)

	mock.ExpectExec("SET status = 'planned'").
		WithArgs([]string{"failed", "parked"}, []string{"CA"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	n, err := s.Replan(context.Background(), store.Filter{PartitionKeys: []string{"CA"}},
		[]store.Status{store.StatusFailed, store.StatusInProgress, store.StatusParked})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMapsNoRowsToNotFound(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)

	mock.ExpectQuery("FROM targets WHERE id").
		WithArgs(int64(42)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.Get(context.Background(), 42)
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSummaryParsesStatuses(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)

	mock.ExpectQuery("GROUP BY partition_key, status").
		WithArgs([]string{}).
		WillReturnRows(pgxmock.NewRows([]string{"partition_key", "status", "count"}).
			AddRow("CA", "done", int64(8)).
			AddRow("CA", "planned", int64(2)))

	rows, err := s.Summary(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Equal(t, []store.SummaryRow{
		{PartitionKey: "CA", Status: store.StatusDone, Count: 8},
		{PartitionKey: "CA", Status: store.StatusPlanned, Count: 2},
	}, rows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesEmbeddedSchema(t *testing.T) {
	t.Parallel()
	mock, s := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS targets").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
