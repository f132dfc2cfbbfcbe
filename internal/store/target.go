package store

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound signals that the requested target does not exist.
	ErrNotFound = errors.New("target not found")
	// ErrLeaseLost signals that the caller no longer owns the target lease.
	ErrLeaseLost = errors.New("target lease lost")
	// ErrInvalidTransition signals a cursor or status move the store refuses.
	ErrInvalidTransition = errors.New("invalid target transition")
)

// Status mirrors the targets.status column.
type Status string

// Target statuses persisted in targets.status.
const (
	StatusPlanned    Status = "planned"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusParked     Status = "parked"
)

// Terminal reports whether no worker will pick the target up again without a replan.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusParked:
		return true
	default:
		return false
	}
}

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	switch s := Status(raw); s {
	case StatusPlanned, StatusInProgress, StatusDone, StatusFailed, StatusParked:
		return s, nil
	default:
		return "", fmt.Errorf("unknown target status %q", raw)
	}
}

// Notes written on completion.
const (
	NoteNoResultsFirstPage = "no_results_first_page"
	NoteExhausted          = "exhausted"
	NoteMaxPages           = "max_pages"
	NoteNotFound           = "not_found"
	NoteMaxAttempts        = "max_attempts_exceeded"
)

// Target is one unit of crawl work (a state/city/category pagination job).
type Target struct {
	ID           int64
	PartitionKey string
	City         string
	Category     string
	// Priority is the tier; lower values are claimed first.
	Priority    int
	Status      Status
	ClaimedBy   *string
	ClaimedAt   *time.Time
	HeartbeatAt *time.Time
	Attempts    int
	LastError   *string
	// PageCurrent is the last page whose results were durably processed (0 = none).
	PageCurrent int
	// ResumeToken is an opaque pagination pointer (usually the next page URL).
	ResumeToken *string
	MaxPages    int
	Note        *string
}

// NextPage returns the page the next fetch must request.
func (t Target) NextPage() int {
	return t.PageCurrent + 1
}

// Token returns the resume token or "".
func (t Target) Token() string {
	if t.ResumeToken == nil {
		return ""
	}
	return *t.ResumeToken
}

// NewTarget describes a target to insert during planning.
type NewTarget struct {
	PartitionKey string `yaml:"partition_key"`
	City         string `yaml:"city"`
	Category     string `yaml:"category"`
	Priority     int    `yaml:"priority"`
	MaxPages     int    `yaml:"max_pages"`
}

// Filter scopes queries to a set of partition keys; empty means all partitions.
type Filter struct {
	PartitionKeys []string
}

// Matches reports whether the partition key is within the filter.
func (f Filter) Matches(partitionKey string) bool {
	if len(f.PartitionKeys) == 0 {
		return true
	}
	for _, key := range f.PartitionKeys {
		if key == partitionKey {
			return true
		}
	}
	return false
}

// Outcome is the terminal result a worker reports for a target.
type Outcome struct {
	Status Status
	Note   string
}

// Validate ensures the outcome is terminal.
func (o Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("%w: outcome status %q is not terminal", ErrInvalidTransition, o.Status)
	}
	return nil
}

// Cursor is the pagination position persisted by a checkpoint.
type Cursor struct {
	Page        int
	ResumeToken string
}

// ReclaimResult summarizes one stale sweep.
type ReclaimResult struct {
	Requeued []int64
	Failed   []int64
}

// Total returns the number of targets touched by the sweep.
func (r ReclaimResult) Total() int {
	return len(r.Requeued) + len(r.Failed)
}

// SummaryRow is one (partition, status) aggregate.
type SummaryRow struct {
	PartitionKey string
	Status       Status
	Count        int64
}

// WorkerHeartbeat models the worker_heartbeats observability table.
type WorkerHeartbeat struct {
	WorkerID        string
	LastHeartbeat   time.Time
	CurrentTargetID *int64
}
