package postgres

import (
	"context"
	_ "embed" // schema.sql
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

//go:embed schema.sql
var schemaSQL string

var _ store.TargetStore = (*TargetStore)(nil)

const targetColumns = `id, partition_key, city, category, priority, status, claimed_by, claimed_at,
	heartbeat_at, attempts, last_error, page_current, resume_token, max_pages, note`

const staleLeaseError = "heartbeat stale; lease reclaimed"

// TargetStore implements store.TargetStore on Postgres. Claims use
// FOR UPDATE SKIP LOCKED so concurrent claimers never block on or share a row.
type TargetStore struct {
	pool Pool
}

// NewTargetStore connects to Postgres using cfg.
func NewTargetStore(ctx context.Context, cfg Config) (*TargetStore, error) {
	pool, err := Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &TargetStore{pool: pool}, nil
}

// NewTargetStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewTargetStoreWithPool(pool Pool) (*TargetStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &TargetStore{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *TargetStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Migrate creates the targets, page_log, and worker_heartbeats tables.
func (s *TargetStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Claim locks and leases up to limit planned targets in one statement.
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
	query := `
WITH next AS (
	SELECT id FROM targets
	WHERE status = 'planned'
	  AND (cardinality($1::text[]) = 0 OR partition_key = ANY($1::text[]))
	ORDER BY priority ASC, id ASC
	FOR UPDATE SKIP LOCKED
	LIMIT $2
)
UPDATE targets t
SET status = 'in_progress', claimed_by = $3, claimed_at = $4, heartbeat_at = $4
FROM next
WHERE t.id = next.id
RETURNING t.id, t.partition_key, t.city, t.category, t.priority, t.status, t.claimed_by, t.claimed_at,
	t.heartbeat_at, t.attempts, t.last_error, t.page_current, t.resume_token, t.max_pages, t.note;`

	rows, err := s.pool.Query(ctx, query, partitionKeys(filter), limit, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim targets: %w", err)
	}
	defer rows.Close()

	var claimed []store.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim targets: %w", err)
	}
	return claimed, nil
}

// Heartbeat renews the lease; heartbeat_at only moves forward.
func (s *TargetStore) Heartbeat(ctx context.Context, targetID int64, workerID string, now time.Time) error {
	query := `
UPDATE targets
SET heartbeat_at = GREATEST(COALESCE(heartbeat_at, $3), $3)
WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2;`
	tag, err := s.pool.Exec(ctx, query, targetID, workerID, now)
	if err != nil {
		return fmt.Errorf("heartbeat target %d: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, targetID)
	}
	return nil
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
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockOwned(ctx, tx, targetID, workerID)
		if err != nil {
			return err
		}
		if page != current+1 {
			return fmt.Errorf("%w: intent for page %d, cursor at %d", store.ErrInvalidTransition, page, current)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO page_log (target_id, worker_id, page, kind, resume_token, records, at)
VALUES ($1, $2, $3, 'intent', $4, 0, $5);`, targetID, workerID, page, url, now); err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return nil
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
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := lockOwned(ctx, tx, targetID, workerID)
		if err != nil {
			return err
		}
		if cursor.Page != current+1 {
			return fmt.Errorf("%w: checkpoint page %d, cursor at %d", store.ErrInvalidTransition, cursor.Page, current)
		}
		token := nullable(cursor.ResumeToken)
		if _, err := tx.Exec(ctx, `
UPDATE targets
SET page_current = $2, resume_token = $3, heartbeat_at = GREATEST(COALESCE(heartbeat_at, $4), $4)
WHERE id = $1;`, targetID, cursor.Page, token, now); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO page_log (target_id, worker_id, page, kind, resume_token, records, at)
VALUES ($1, $2, $3, 'commit', $4, $5, $6);`, targetID, workerID, cursor.Page, token, records, now); err != nil {
			return fmt.Errorf("insert commit: %w", err)
		}
		return nil
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
	query := `
UPDATE targets
SET status = $3, note = $4, claimed_by = NULL
WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2;`
	tag, err := s.pool.Exec(ctx, query, targetID, workerID, string(outcome.Status), outcome.Note)
	if err != nil {
		return fmt.Errorf("complete target %d: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, targetID)
	}
	return nil
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
	query := `
UPDATE targets
SET attempts = attempts + 1,
	last_error = $3,
	claimed_by = NULL,
	status = CASE WHEN attempts + 1 >= $4 THEN 'failed' ELSE 'planned' END,
	note = CASE WHEN attempts + 1 >= $4 THEN $5 ELSE note END
WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2
RETURNING status;`
	var raw string
	err := s.pool.QueryRow(ctx, query, targetID, workerID, errText, maxAttempts, store.NoteMaxAttempts).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", s.leaseError(ctx, targetID)
	}
	if err != nil {
		return "", fmt.Errorf("fail target %d: %w", targetID, err)
	}
	return store.ParseStatus(raw)
}

// Yield hands an owned target back to the queue without counting an attempt.
func (s *TargetStore) Yield(ctx context.Context, targetID int64, workerID string, _ time.Time) error {
	query := `
UPDATE targets
SET status = 'planned', claimed_by = NULL
WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2;`
	tag, err := s.pool.Exec(ctx, query, targetID, workerID)
	if err != nil {
		return fmt.Errorf("yield target %d: %w", targetID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseError(ctx, targetID)
	}
	return nil
}

// ReclaimStale requeues expired leases, skipping rows another sweeper holds.
func (s *TargetStore) ReclaimStale(
	ctx context.Context,
	staleBefore time.Time,
	maxAttempts int,
	_ time.Time,
) (store.ReclaimResult, error) {
	query := `
WITH stale AS (
	SELECT id FROM targets
	WHERE status = 'in_progress' AND heartbeat_at < $1
	ORDER BY id
	FOR UPDATE SKIP LOCKED
)
UPDATE targets t
SET attempts = t.attempts + 1,
	claimed_by = NULL,
	last_error = $3,
	status = CASE WHEN t.attempts + 1 >= $2 THEN 'failed' ELSE 'planned' END,
	note = CASE WHEN t.attempts + 1 >= $2 THEN $4 ELSE t.note END
FROM stale
WHERE t.id = stale.id
RETURNING t.id, t.status;`
	rows, err := s.pool.Query(ctx, query, staleBefore, maxAttempts, staleLeaseError, store.NoteMaxAttempts)
	if err != nil {
		return store.ReclaimResult{}, fmt.Errorf("reclaim stale targets: %w", err)
	}
	defer rows.Close()

	var res store.ReclaimResult
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return store.ReclaimResult{}, fmt.Errorf("scan reclaimed row: %w", err)
		}
		if store.Status(raw) == store.StatusFailed {
			res.Failed = append(res.Failed, id)
		} else {
			res.Requeued = append(res.Requeued, id)
		}
	}
	if err := rows.Err(); err != nil {
		return store.ReclaimResult{}, fmt.Errorf("reclaim stale targets: %w", err)
	}
	return res, nil
}

// Insert plans targets; existing (partition, city, category) rows are untouched.
func (s *TargetStore) Insert(ctx context.Context, targets []store.NewTarget) (int, error) {
	inserted := 0
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, nt := range targets {
			tag, err := tx.Exec(ctx, `
INSERT INTO targets (partition_key, city, category, priority, max_pages)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (partition_key, city, category) DO NOTHING;`,
				nt.PartitionKey, nt.City, nt.Category, nt.Priority, nt.MaxPages)
			if err != nil {
				return fmt.Errorf("insert target %s/%s/%s: %w", nt.PartitionKey, nt.City, nt.Category, err)
			}
			inserted += int(tag.RowsAffected())
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
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		if st == store.StatusInProgress {
			continue
		}
		raw = append(raw, string(st))
	}
	query := `
UPDATE targets
SET status = 'planned', attempts = 0, page_current = 0, resume_token = NULL, note = NULL, claimed_by = NULL
WHERE status = ANY($1::text[])
  AND (cardinality($2::text[]) = 0 OR partition_key = ANY($2::text[]));`
	tag, err := s.pool.Exec(ctx, query, raw, partitionKeys(filter))
	if err != nil {
		return 0, fmt.Errorf("replan targets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Get loads a single target.
func (s *TargetStore) Get(ctx context.Context, targetID int64) (store.Target, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE id = $1;`, targetID)
	t, err := scanTarget(row)
	if errors.Is(err, store.ErrNotFound) {
		return store.Target{}, err
	}
	if err != nil {
		return store.Target{}, fmt.Errorf("get target %d: %w", targetID, err)
	}
	return t, nil
}

// Summary counts targets per partition and status.
func (s *TargetStore) Summary(ctx context.Context, filter store.Filter) ([]store.SummaryRow, error) {
	query := `
SELECT partition_key, status, count(*)
FROM targets
WHERE cardinality($1::text[]) = 0 OR partition_key = ANY($1::text[])
GROUP BY partition_key, status
ORDER BY partition_key, status;`
	rows, err := s.pool.Query(ctx, query, partitionKeys(filter))
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
	query := `
SELECT target_id, worker_id, page, kind, COALESCE(resume_token, ''), records, at
FROM page_log
WHERE target_id = $1
ORDER BY id;`
	rows, err := s.pool.Query(ctx, query, targetID)
	if err != nil {
		return nil, fmt.Errorf("load page log: %w", err)
	}
	defer rows.Close()

	var out []store.PageEntry
	for rows.Next() {
		var (
			e    store.PageEntry
			kind string
		)
		if err := rows.Scan(&e.TargetID, &e.WorkerID, &e.Page, &kind, &e.ResumeToken, &e.Records, &e.At); err != nil {
			return nil, fmt.Errorf("scan page log row: %w", err)
		}
		e.Kind = store.EntryKind(kind)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load page log: %w", err)
	}
	return out, nil
}

// UpsertWorkerHeartbeat records worker liveness.
func (s *TargetStore) UpsertWorkerHeartbeat(ctx context.Context, hb store.WorkerHeartbeat) error {
	query := `
INSERT INTO worker_heartbeats (worker_id, last_heartbeat, current_target_id)
VALUES ($1, $2, $3)
ON CONFLICT (worker_id) DO UPDATE
SET last_heartbeat = GREATEST(worker_heartbeats.last_heartbeat, EXCLUDED.last_heartbeat),
	current_target_id = EXCLUDED.current_target_id;`
	if _, err := s.pool.Exec(ctx, query, hb.WorkerID, hb.LastHeartbeat, hb.CurrentTargetID); err != nil {
		return fmt.Errorf("upsert worker heartbeat: %w", err)
	}
	return nil
}

// ListWorkerHeartbeats returns every known worker heartbeat.
func (s *TargetStore) ListWorkerHeartbeats(ctx context.Context) ([]store.WorkerHeartbeat, error) {
	rows, err := s.pool.Query(ctx, `
SELECT worker_id, last_heartbeat, current_target_id
FROM worker_heartbeats
ORDER BY worker_id;`)
	if err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	defer rows.Close()

	var out []store.WorkerHeartbeat
	for rows.Next() {
		var hb store.WorkerHeartbeat
		if err := rows.Scan(&hb.WorkerID, &hb.LastHeartbeat, &hb.CurrentTargetID); err != nil {
			return nil, fmt.Errorf("scan worker heartbeat: %w", err)
		}
		out = append(out, hb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list worker heartbeats: %w", err)
	}
	return out, nil
}

// leaseError explains why an ownership-guarded statement touched no rows.
func (s *TargetStore) leaseError(ctx context.Context, targetID int64) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM targets WHERE id = $1);`, targetID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check target %d: %w", targetID, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrLeaseLost
}

// lockOwned row-locks the target and returns its page_current if workerID owns it.
func lockOwned(ctx context.Context, tx pgx.Tx, targetID int64, workerID string) (int, error) {
	var (
		status    string
		claimedBy *string
		current   int
	)
	err := tx.QueryRow(ctx, `
SELECT status, claimed_by, page_current
FROM targets
WHERE id = $1
FOR UPDATE;`, targetID).Scan(&status, &claimedBy, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock target %d: %w", targetID, err)
	}
	if store.Status(status) != store.StatusInProgress || claimedBy == nil || *claimedBy != workerID {
		return 0, store.ErrLeaseLost
	}
	return current, nil
}

func scanTarget(row pgx.Row) (store.Target, error) {
	var (
		t   store.Target
		raw string
	)
	err := row.Scan(
		&t.ID,
		&t.PartitionKey,
		&t.City,
		&t.Category,
		&t.Priority,
		&raw,
		&t.ClaimedBy,
		&t.ClaimedAt,
		&t.HeartbeatAt,
		&t.Attempts,
		&t.LastError,
		&t.PageCurrent,
		&t.ResumeToken,
		&t.MaxPages,
		&t.Note,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Target{}, store.ErrNotFound
	}
	if err != nil {
		return store.Target{}, fmt.Errorf("scan target: %w", err)
	}
	if t.Status, err = store.ParseStatus(raw); err != nil {
		return store.Target{}, err
	}
	return t, nil
}

// partitionKeys never returns nil so cardinality() sees an empty array, not NULL.
func partitionKeys(filter store.Filter) []string {
	if len(filter.PartitionKeys) == 0 {
		return []string{}
	}
	return filter.PartitionKeys
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
