package store

import (
	"context"
	"time"
)

// TargetStore is the shared work queue. Every method is a single transaction
// and none spans more than one target, except the sweep and bulk helpers.
type TargetStore interface {
	// Claim atomically moves up to limit PLANNED targets inside the filter to
	// IN_PROGRESS for workerID, highest priority first. Rows locked by a
	// concurrent claim are skipped rather than waited on.
	Claim(ctx context.Context, filter Filter, workerID string, now time.Time, limit int) ([]Target, error)
	// Heartbeat renews the lease; ErrLeaseLost if workerID no longer owns it.
	Heartbeat(ctx context.Context, targetID int64, workerID string, now time.Time) error
	// RecordIntent appends a write-ahead intent for the page about to be fetched.
	RecordIntent(ctx context.Context, targetID int64, workerID string, page int, url string, now time.Time) error
	// Checkpoint persists the cursor after a page is durably processed.
	Checkpoint(ctx context.Context, targetID int64, workerID string, cursor Cursor, records int, now time.Time) error
	// Complete moves the target to a terminal status and clears the lease.
	Complete(ctx context.Context, targetID int64, workerID string, outcome Outcome, now time.Time) error
	// Fail records an error and counts an attempt; the target returns to
	// PLANNED or, once attempts reach maxAttempts, becomes FAILED.
	Fail(ctx context.Context, targetID int64, workerID string, errText string, maxAttempts int, now time.Time) (Status, error)
	// Yield returns an owned target to PLANNED without counting an attempt.
	Yield(ctx context.Context, targetID int64, workerID string, now time.Time) error
	// ReclaimStale requeues IN_PROGRESS targets whose heartbeat is older than
	// staleBefore, failing those that have used up maxAttempts.
	ReclaimStale(ctx context.Context, staleBefore time.Time, maxAttempts int, now time.Time) (ReclaimResult, error)

	// Insert plans new targets; existing identities are left untouched.
	Insert(ctx context.Context, targets []NewTarget) (int, error)
	// Replan moves targets in the given terminal statuses back to PLANNED.
	Replan(ctx context.Context, filter Filter, statuses []Status) (int, error)
	// Get loads a target or returns ErrNotFound.
	Get(ctx context.Context, targetID int64) (Target, error)
	// Summary counts targets by partition and status.
	Summary(ctx context.Context, filter Filter) ([]SummaryRow, error)
	// PageLog returns the audit trail for a target in append order.
	PageLog(ctx context.Context, targetID int64) ([]PageEntry, error)

	// UpsertWorkerHeartbeat records worker liveness for observability.
	UpsertWorkerHeartbeat(ctx context.Context, hb WorkerHeartbeat) error
	// ListWorkerHeartbeats returns all known worker heartbeats.
	ListWorkerHeartbeats(ctx context.Context) ([]WorkerHeartbeat, error)
}
