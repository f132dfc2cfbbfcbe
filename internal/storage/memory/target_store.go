// Package memory provides an in-process TargetStore for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/listing-crawler/internal/store"
)

var _ store.TargetStore = (*TargetStore)(nil)

type identity struct {
	partition string
	city      string
	category  string
}

// TargetStore keeps targets in a map guarded by one mutex, which makes every
// method atomic with respect to concurrent claimers.
type TargetStore struct {
	mu         sync.Mutex
	nextID     int64
	targets    map[int64]*store.Target
	identities map[identity]int64
	log        map[int64][]store.PageEntry
	workers    map[string]store.WorkerHeartbeat
}

// NewTargetStore constructs an empty TargetStore.
func NewTargetStore() *TargetStore {
	return &TargetStore{
		targets:    make(map[int64]*store.Target),
		identities: make(map[identity]int64),
		log:        make(map[int64][]store.PageEntry),
		workers:    make(map[string]store.WorkerHeartbeat),
	}
}

// Claim hands out the highest-priority planned targets within the filter.
func (s *TargetStore) Claim(
	_ context.Context,
	filter store.Filter,
	workerID string,
	now time.Time,
	limit int,
) ([]store.Target, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*store.Target, 0)
	for _, t := range s.targets {
		if t.Status == store.StatusPlanned && filter.Matches(t.PartitionKey) {
			candidates = append(candidates, t)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]store.Target, 0, len(candidates))
	for _, t := range candidates {
		t.Status = store.StatusInProgress
		t.ClaimedBy = ptr(workerID)
		t.ClaimedAt = ptr(now)
		t.HeartbeatAt = ptr(now)
		out = append(out, clone(t))
	}
	return out, nil
}

// Heartbeat renews the lease without ever moving heartbeat_at backwards.
func (s *TargetStore) Heartbeat(_ context.Context, targetID int64, workerID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return err
	}
	if t.HeartbeatAt == nil || now.After(*t.HeartbeatAt) {
		t.HeartbeatAt = ptr(now)
	}
	return nil
}

// RecordIntent appends a write-ahead entry for the page about to be fetched.
func (s *TargetStore) RecordIntent(
	_ context.Context,
	targetID int64,
	workerID string,
	page int,
	url string,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return err
	}
	if page != t.PageCurrent+1 {
		return fmt.Errorf("%w: intent for page %d, cursor at %d", store.ErrInvalidTransition, page, t.PageCurrent)
	}
	s.log[targetID] = append(s.log[targetID], store.PageEntry{
		TargetID:    targetID,
		WorkerID:    workerID,
		Page:        page,
		Kind:        store.EntryIntent,
		ResumeToken: url,
		At:          now,
	})
	return nil
}

// Checkpoint advances the cursor by exactly one page and logs the commit.
func (s *TargetStore) Checkpoint(
	_ context.Context,
	targetID int64,
	workerID string,
	cursor store.Cursor,
	records int,
	now time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return err
	}
	if cursor.Page != t.PageCurrent+1 {
		return fmt.Errorf("%w: checkpoint page %d, cursor at %d", store.ErrInvalidTransition, cursor.Page, t.PageCurrent)
	}
	t.PageCurrent = cursor.Page
	if cursor.ResumeToken == "" {
		t.ResumeToken = nil
	} else {
		t.ResumeToken = ptr(cursor.ResumeToken)
	}
	if t.HeartbeatAt == nil || now.After(*t.HeartbeatAt) {
		t.HeartbeatAt = ptr(now)
	}
	s.log[targetID] = append(s.log[targetID], store.PageEntry{
		TargetID:    targetID,
		WorkerID:    workerID,
		Page:        cursor.Page,
		Kind:        store.EntryCommit,
		ResumeToken: cursor.ResumeToken,
		Records:     records,
		At:          now,
	})
	return nil
}

// Complete moves an owned target to a terminal status.
func (s *TargetStore) Complete(
	_ context.Context,
	targetID int64,
	workerID string,
	outcome store.Outcome,
	_ time.Time,
) error {
	if err := outcome.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return err
	}
	t.Status = outcome.Status
	t.Note = ptr(outcome.Note)
	t.ClaimedBy = nil
	return nil
}

// Fail counts an attempt and requeues or fails the target.
func (s *TargetStore) Fail(
	_ context.Context,
	targetID int64,
	workerID string,
	errText string,
	maxAttempts int,
	_ time.Time,
) (store.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return "", err
	}
	t.Attempts++
	t.LastError = ptr(errText)
	t.ClaimedBy = nil
	if t.Attempts >= maxAttempts {
		t.Status = store.StatusFailed
		t.Note = ptr(store.NoteMaxAttempts)
	} else {
		t.Status = store.StatusPlanned
	}
	return t.Status, nil
}

// Yield returns an owned target to the queue with its cursor intact.
func (s *TargetStore) Yield(_ context.Context, targetID int64, workerID string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.owned(targetID, workerID)
	if err != nil {
		return err
	}
	t.Status = store.StatusPlanned
	t.ClaimedBy = nil
	return nil
}

// ReclaimStale requeues or fails targets whose heartbeat stopped advancing.
func (s *TargetStore) ReclaimStale(
	_ context.Context,
	staleBefore time.Time,
	maxAttempts int,
	_ time.Time,
) (store.ReclaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res store.ReclaimResult
	for _, id := range s.sortedIDs() {
		t := s.targets[id]
		if t.Status != store.StatusInProgress || t.HeartbeatAt == nil || !t.HeartbeatAt.Before(staleBefore) {
			continue
		}
		t.Attempts++
		t.ClaimedBy = nil
		t.LastError = ptr("heartbeat stale; lease reclaimed")
		if t.Attempts >= maxAttempts {
			t.Status = store.StatusFailed
			t.Note = ptr(store.NoteMaxAttempts)
			res.Failed = append(res.Failed, id)
			continue
		}
		t.Status = store.StatusPlanned
		res.Requeued = append(res.Requeued, id)
	}
	return res, nil
}

// Insert plans targets, skipping identities that already exist.
func (s *TargetStore) Insert(_ context.Context, targets []store.NewTarget) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, nt := range targets {
		key := identity{partition: nt.PartitionKey, city: nt.City, category: nt.Category}
		if _, exists := s.identities[key]; exists {
			continue
		}
		s.nextID++
		s.targets[s.nextID] = &store.Target{
			ID:           s.nextID,
			PartitionKey: nt.PartitionKey,
			City:         nt.City,
			Category:     nt.Category,
			Priority:     nt.Priority,
			Status:       store.StatusPlanned,
			MaxPages:     nt.MaxPages,
		}
		s.identities[key] = s.nextID
		inserted++
	}
	return inserted, nil
}

// Replan resets matching targets to PLANNED with a fresh cursor.
func (s *TargetStore) Replan(_ context.Context, filter store.Filter, statuses []store.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.targets {
		if !filter.Matches(t.PartitionKey) || !containsStatus(statuses, t.Status) {
			continue
		}
		if t.Status == store.StatusInProgress {
			continue
		}
		t.Status = store.StatusPlanned
		t.Attempts = 0
		t.PageCurrent = 0
		t.ResumeToken = nil
		t.Note = nil
		t.ClaimedBy = nil
		n++
	}
	return n, nil
}

// Get returns a copy of the target.
func (s *TargetStore) Get(_ context.Context, targetID int64) (store.Target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[targetID]
	if !ok {
		return store.Target{}, store.ErrNotFound
	}
	return clone(t), nil
}

// Summary counts targets by partition and status.
func (s *TargetStore) Summary(_ context.Context, filter store.Filter) ([]store.SummaryRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[[2]string]int64)
	for _, t := range s.targets {
		if filter.Matches(t.PartitionKey) {
			counts[[2]string{t.PartitionKey, string(t.Status)}]++
		}
	}
	rows := make([]store.SummaryRow, 0, len(counts))
	for k, c := range counts {
		rows = append(rows, store.SummaryRow{PartitionKey: k[0], Status: store.Status(k[1]), Count: c})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartitionKey != rows[j].PartitionKey {
			return rows[i].PartitionKey < rows[j].PartitionKey
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

// PageLog returns a copy of the target's audit trail.
func (s *TargetStore) PageLog(_ context.Context, targetID int64) ([]store.PageEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.log[targetID]
	out := make([]store.PageEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// UpsertWorkerHeartbeat records worker liveness.
func (s *TargetStore) UpsertWorkerHeartbeat(_ context.Context, hb store.WorkerHeartbeat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[hb.WorkerID] = hb
	return nil
}

// ListWorkerHeartbeats returns heartbeats ordered by worker ID.
func (s *TargetStore) ListWorkerHeartbeats(_ context.Context) ([]store.WorkerHeartbeat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.WorkerHeartbeat, 0, len(s.workers))
	for _, hb := range s.workers {
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *TargetStore) owned(targetID int64, workerID string) (*store.Target, error) {
	t, ok := s.targets[targetID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusInProgress || t.ClaimedBy == nil || *t.ClaimedBy != workerID {
		return nil, store.ErrLeaseLost
	}
	return t, nil
}

func (s *TargetStore) sortedIDs() []int64 {
	ids := make([]int64, 0, len(s.targets))
	for id := range s.targets {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func containsStatus(statuses []store.Status, s store.Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

func clone(t *store.Target) store.Target {
	out := *t
	if t.ClaimedBy != nil {
		out.ClaimedBy = ptr(*t.ClaimedBy)
	}
	if t.ClaimedAt != nil {
		out.ClaimedAt = ptr(*t.ClaimedAt)
	}
	if t.HeartbeatAt != nil {
		out.HeartbeatAt = ptr(*t.HeartbeatAt)
	}
	if t.LastError != nil {
		out.LastError = ptr(*t.LastError)
	}
	if t.ResumeToken != nil {
		out.ResumeToken = ptr(*t.ResumeToken)
	}
	if t.Note != nil {
		out.Note = ptr(*t.Note)
	}
	return out
}

func ptr[T any](v T) *T {
	return &v
}
