package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

var _ store.TargetStore = (*TargetStore)(nil)

const targetColumns = `id, partition_key, city, category, priority, status, claimed_by, claimed_at,
	heartbeat_at, attempts, last_error, page_current, resume_token, max_pages, note`

// TargetStore implements store.TargetStore on SQLite. Claims are
// compare-and-set updates guarded by status = 'planned'.
type TargetStore struct {
	db *sql.DB
}

// NewTargetStore wraps a database returned by Open.
func NewTargetStore(db *sql.DB) *TargetStore {
	return &TargetStore{db: db}
}

// Close closes the database.
func (s *TargetStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Claim picks candidates in priority order and flips each with a CAS update.
func (s *TargetStore) Claim(
	ctx context.Context,
	filter store.Filter,
	workerID string,
	now time.Time,
	limit int,
) ([]store.Target, error) {
	if limit <= 0 {
		limit = 1
	}
	where, args := partitionClause(filter)
	q := `SELECT id FROM targets WHERE status = 'planned'` + where + ` ORDER BY priority ASC, id ASC LIMIT ?`
	args = append(args, limit)

	var claimed []store.Target
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx, q, args...)
		if err != nil {
			return err
		}
		for _, id := range ids {
			res, err := tx.ExecContext(ctx, `
UPDATE targets SET status = 'in_progress', claimed_by = ?, claimed_at = ?, heartbeat_at = ?
WHERE id = ? AND status = 'planned'`, workerID, toUnix(now), toUnix(now), id)
			if err != nil {
				return fmt.Errorf("claim target %d: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			t, err := scanTarget(tx.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, id))
			if err != nil {
				return err
			}
			claimed = append(claimed, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat renews the lease; heartbeat_at only moves forward.
func (s *TargetStore) Heartbeat(ctx context.Context, targetID int64, workerID string, now time.Time) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := lockOwned(ctx, tx, targetID, workerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE targets SET heartbeat_at = MAX(COALESCE(heartbeat_at, ?), ?) WHERE id = ?`,
			toUnix(now), toUnix(now), targetID)
		if err != nil {
			return fmt.Errorf("heartbeat target %d: %w", targetID, err)
		}
		return nil
	})
}

// RecordIntent writes the intent row before the page is fetched.
func (s *TargetStore) RecordIntent(
	ctx context.Context,
	targetID int64,
	workerID string,
	page int,
	url string,
	now time.Time,
) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := lockOwned(ctx, tx, targetID, workerID)
		if err != nil {
			return err
		}
		if page != current+1 {
			return fmt.Errorf("%w: intent for page %d, cursor at %d", store.ErrInvalidTransition, page, current)
		}
		return appendLog(ctx, tx, store.PageEntry{
			TargetID: targetID, WorkerID: workerID, Page: page, Kind: store.EntryIntent, ResumeToken: url, At: now,
		})
	})
}

// Checkpoint advances page_current by one and logs the commit atomically.
func (s *TargetStore) Checkpoint(
	ctx context.Context,
	targetID int64,
	workerID string,
	cursor store.Cursor,
	records int,
	now time.Time,
) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		current, err := lockOwned(ctx, tx, targetID, workerID)
		if err != nil {
			return err
		}
		if cursor.Page != current+1 {
			return fmt.Errorf("%w: checkpoint page %d, cursor at %d", store.ErrInvalidTransition, cursor.Page, current)
		}
		_, err = tx.ExecContext(ctx, `
UPDATE targets SET page_current = ?, resume_token = ?, heartbeat_at = MAX(COALESCE(heartbeat_at, ?), ?)
WHERE id = ?`, cursor.Page, nullString(cursor.ResumeToken), toUnix(now), toUnix(now), targetID)
		if err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		return appendLog(ctx, tx, store.PageEntry{
			TargetID: targetID, WorkerID: workerID, Page: cursor.Page, Kind: store.EntryCommit,
			ResumeToken: cursor.ResumeToken, Records: records, At: now,
		})
	})
}

// Complete moves an owned target to its terminal status.
func (s *TargetStore) Complete(
	ctx context.Context,
	targetID int64,
	workerID string,
	outcome store.Outcome,
	_ time.Time,
) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := lockOwned(ctx, tx, targetID, workerID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE targets SET status = ?, note = ?, claimed_by = NULL WHERE id = ?`,
			string(outcome.Status), outcome.Note, targetID)
		if err != nil {
			return fmt.Errorf("complete target %d: %w", targetID, err)
		}
		return nil
	})
}

// Fail counts an attempt and requeues the target or marks it FAILED.
func (s *TargetStore) Fail(
	ctx context.Context,
	targetID int64,
	workerID string,
	errText string,
	maxAttempts int,
	_ time.Time,
) (store.Status, error) {
	var status store.Status
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := lockOwned(ctx, tx, targetID, workerID); err != nil {
			return err
		}
		var err error
		status, err = bumpAttempt(ctx, tx, targetID, errText, maxAttempts)
		return err
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// Yield hands an owned target back to the queue without counting an attempt.
func (s *TargetStore) Yield(ctx context.Context, targetID int64, workerID string, _ time.Time) error {
	return inTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := lockOwned(ctx, tx, targetID, workerID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE targets SET status = 'planned', claimed_by = NULL WHERE id = ?`, targetID); err != nil {
			return fmt.Errorf("yield target %d: %w", targetID, err)
		}
		return nil
	})
}

// ReclaimStale requeues expired leases or fails them once attempts run out.
func (s *TargetStore) ReclaimStale(
	ctx context.Context,
	staleBefore time.Time,
	maxAttempts int,
	_ time.Time,
) (store.ReclaimResult, error) {
	var res store.ReclaimResult
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		ids, err := queryIDs(ctx, tx,
			`SELECT id FROM targets WHERE status = 'in_progress' AND heartbeat_at < ? ORDER BY id`,
			toUnix(staleBefore))
		if err != nil {
			return err
		}
		for _, id := range ids {
			status, err := bumpAttempt(ctx, tx, id, "heartbeat stale; lease reclaimed", maxAttempts)
			if err != nil {
				return err
			}
			if status == store.StatusFailed {
				res.Failed = append(res.Failed, id)
			} else {
				res.Requeued = append(res.Requeued, id)
			}
		}
		return nil
	})
	if err != nil {
		return store.ReclaimResult{}, err
	}
	return res, nil
}

// Insert plans targets; existing (partition, city, category) rows are untouched.
func (s *TargetStore) Insert(ctx context.Context, targets []store.NewTarget) (int, error) {
	inserted := 0
	err := inTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, nt := range targets {
			res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO targets (partition_key, city, category, priority, max_pages)
VALUES (?, ?, ?, ?, ?)`, nt.PartitionKey, nt.City, nt.Category, nt.Priority, nt.MaxPages)
			if err != nil {
				return fmt.Errorf("insert target %s/%s/%s: %w", nt.PartitionKey, nt.City, nt.Category, err)
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// Replan resets terminal targets in the filter back to PLANNED with a fresh cursor.
func (s *TargetStore) Replan(ctx context.Context, filter store.Filter, statuses []store.Status) (int, error) {
	var args []any
	marks := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st == store.StatusInProgress {
			continue
		}
		marks = append(marks, "?")
		args = append(args, string(st))
	}
	if len(marks) == 0 {
		return 0, nil
	}
	where, pargs := partitionClause(filter)
	args = append(args, pargs...)
	q := `UPDATE targets
SET status = 'planned', attempts = 0, page_current = 0, resume_token = NULL, note = NULL, claimed_by = NULL
WHERE status IN (` + strings.Join(marks, ", ") + `)` + where
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return 0, fmt.Errorf("replan targets: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Get loads a single target.
func (s *TargetStore) Get(ctx context.Context, targetID int64) (store.Target, error) {
	return scanTarget(s.db.QueryRowContext(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = ?`, targetID))
}

// Summary counts targets per partition and status.
func (s *TargetStore) Summary(ctx context.Context, filter store.Filter) ([]store.SummaryRow, error) {
	where, args := partitionClause(filter)
	q := `SELECT partition_key, status, count(*) FROM targets WHERE 1 = 1` + where +
		` GROUP BY partition_key, status ORDER BY partition_key, status`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize targets: %w", err)
	}
	defer rows.Close()

	var out []store.SummaryRow
	for rows.Next() {
		var (
			row store.SummaryRow
			raw string
		)
		if err := rows.Scan(&row.PartitionKey, &raw, &row.Count); err != nil {
			return nil, fmt.Errorf("scan summary row: %w", err)
		}
		if row.Status, err = store.ParseStatus(raw); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize targets: %w", err)
	}
	return out, nil
}

// PageLog returns the audit trail for a target.
func (s *TargetStore) PageLog(ctx context.Context, targetID int64) ([]store.PageEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT target_id, worker_id, page, kind, COALESCE(resume_token, ''), records, at
FROM page_log WHERE target_id = ? ORDER BY id`, targetID)
	if err != nil {
		return nil, fmt.Errorf("load page log: %w", err)
	}
	defer rows.Close()

	var out []store.PageEntry
	for rows.Next() {
		var (
			e    store.PageEntry
			kind string
			at   int64
		)
		if err := rows.Scan(&e.TargetID, &e.WorkerID, &e.Page, &kind, &e.ResumeToken, &e.Records, &at); err != nil {
			return nil, fmt.Errorf("scan page log row: %w", err)
		}
		e.Kind = store.EntryKind(kind)
		e.At = time.Unix(0, at).UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load page log: %w", err)
	}
	return out, nil
}

// UpsertWorkerHeartbeat records worker liveness.
func (s *TargetStore) UpsertWorkerHeartbeat(ctx context.Context, hb store.WorkerHeartbeat) error {
	var current sql.NullInt64
	if hb.CurrentTargetID != nil {
		current = sql.NullInt64{Int64: *hb.CurrentTargetID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO worker_heartbeats (worker_id, last_heartbeat, current_target_id) VALUES (?, ?, ?)
ON CONFLICT (worker_id) DO UPDATE
SET last_heartbeat = MAX(last_heartbeat, excluded.last_heartbeat), current_target_id = excluded.current_target_id`,
		hb.WorkerID, toUnix(hb.LastHeartbeat), current)
	if err != nil {
		return fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return nil
}

// ListWorkerHeartbeats returns every known worker heartbeat.
func (s *TargetStore) ListWorkerHeartbeats(ctx context.Context) ([]store.WorkerHeartbeat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, last_heartbeat, current_target_id FROM worker_heartbeats ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	defer rows.Close()

	var out []store.WorkerHeartbeat
	for rows.Next() {
		var (
			hb      store.WorkerHeartbeat
			last    int64
			current sql.NullInt64
		)
		if err := rows.Scan(&hb.WorkerID, &last, &current); err != nil {
			return nil, fmt.Errorf("scan worker heartbeat: %w", err)
		}
		hb.LastHeartbeat = time.Unix(0, last).UTC()
		if current.Valid {
			id := current.Int64
			hb.CurrentTargetID = &id
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	return out, nil
}

func lockOwned(ctx context.Context, tx *sql.Tx, targetID int64, workerID string) (int, error) {
	var (
		status    string
		claimedBy sql.NullString
		current   int
	)
	err := tx.QueryRowContext(ctx, `SELECT status, claimed_by, page_current FROM targets WHERE id = ?`, targetID).
		Scan(&status, &claimedBy, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("load target %d: %w", targetID, err)
	}
	if store.Status(status) != store.StatusInProgress || !claimedBy.Valid || claimedBy.String != workerID {
		return 0, store.ErrLeaseLost
	}
	return current, nil
}

func bumpAttempt(ctx context.Context, tx *sql.Tx, targetID int64, errText string, maxAttempts int) (store.Status, error) {
	var raw string
	err := tx.QueryRowContext(ctx, `
UPDATE targets
SET attempts = attempts + 1,
	last_error = ?,
	claimed_by = NULL,
	status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'planned' END,
	note = CASE WHEN attempts + 1 >= ? THEN ? ELSE note END
WHERE id = ?
RETURNING status`, errText, maxAttempts, maxAttempts, store.NoteMaxAttempts, targetID).Scan(&raw)
	if err != nil {
		return "", fmt.Errorf("count attempt on target %d: %w", targetID, err)
	}
	return store.ParseStatus(raw)
}

func appendLog(ctx context.Context, tx *sql.Tx, e store.PageEntry) error {
	_, err := tx.ExecContext(ctx, `
INSERT INTO page_log (target_id, worker_id, page, kind, resume_token, records, at)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TargetID, e.WorkerID, e.Page, string(e.Kind), nullString(e.ResumeToken), e.Records, toUnix(e.At))
	if err != nil {
		return fmt.Errorf("append %s for page %d: %w", e.Kind, e.Page, err)
	}
	return nil
}

func queryIDs(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]int64, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select target ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan target id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("select target ids: %w", err)
	}
	return ids, nil
}

// partitionClause returns an " AND partition_key IN (...)" fragment or "".
func partitionClause(filter store.Filter) (string, []any) {
	if len(filter.PartitionKeys) == 0 {
		return "", nil
	}
	marks := make([]string, len(filter.PartitionKeys))
	args := make([]any, len(filter.PartitionKeys))
	for i, key := range filter.PartitionKeys {
		marks[i] = "?"
		args[i] = key
	}
	return ` AND partition_key IN (` + strings.Join(marks, ", ") + `)`, args
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTarget(row scannable) (store.Target, error) {
	var (
		t                               store.Target
		raw                             string
		claimedBy, lastErr, token, note sql.NullString
		claimedAt, heartbeatAt          sql.NullInt64
	)
	err := row.Scan(
		&t.ID,
		&t.PartitionKey,
		&t.City,
		&t.Category,
		&t.Priority,
		&raw,
		&claimedBy,
		&claimedAt,
		&heartbeatAt,
		&t.Attempts,
		&lastErr,
		&t.PageCurrent,
		&token,
		&t.MaxPages,
		&note,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Target{}, store.ErrNotFound
	}
	if err != nil {
		return store.Target{}, fmt.Errorf("scan target: %w", err)
	}
	if t.Status, err = store.ParseStatus(raw); err != nil {
		return store.Target{}, err
	}
	t.ClaimedBy = stringPtr(claimedBy)
	t.ClaimedAt = fromUnix(claimedAt)
	t.HeartbeatAt = fromUnix(heartbeatAt)
	t.LastError = stringPtr(lastErr)
	t.ResumeToken = stringPtr(token)
	t.Note = stringPtr(note)
	return t, nil
}
