package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
	"github.com/JakeFAU/listing-crawler/internal/storage/memory"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

const pageTemplate = "https://listings.test/{partition}/{city}/{category}?page={page}"

func pageURL(n int) string {
	return fmt.Sprintf("https://listings.test/ca/fresno/plumbers?page=%d", n)
}

// sitePage scripts the response and extraction result for one URL.
type sitePage struct {
	status  int
	blocked bool
	records int
	next    string
	hasMore bool
}

type fakeSite struct {
	mu      sync.Mutex
	pages   map[string]sitePage
	fetched []string
	// onFetch runs inside Fetch before the response is returned.
	onFetch func(ctx context.Context, url string) error
	// panicOn makes Extract panic for this URL.
	panicOn string
}

func newSite(pages map[string]sitePage) *fakeSite {
	return &fakeSite{pages: pages}
}

func (s *fakeSite) fetch(ctx context.Context, url string) (crawler.FetchResponse, error) {
	s.mu.Lock()
	s.fetched = append(s.fetched, url)
	hook := s.onFetch
	p, ok := s.pages[url]
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, url); err != nil {
			return crawler.FetchResponse{}, err
		}
	}
	if !ok {
		p = sitePage{status: http.StatusNotFound}
	}
	status := p.status
	if status == 0 {
		status = http.StatusOK
	}
	return crawler.FetchResponse{URL: url, StatusCode: status, Body: []byte(url), Blocked: p.blocked}, nil
}

func (s *fakeSite) Fetched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.fetched...)
}

// Extract implements crawler.Extractor from the scripted pages.
func (s *fakeSite) Extract(target store.Target, page int, resp crawler.FetchResponse) (crawler.Page, error) {
	s.mu.Lock()
	p := s.pages[resp.URL]
	panicOn := s.panicOn
	s.mu.Unlock()
	if panicOn != "" && resp.URL == panicOn {
		panic("nil selection")
	}
	out := crawler.Page{NextURL: p.next, HasMore: p.hasMore}
	for i := 0; i < p.records; i++ {
		out.Records = append(out.Records, crawler.Record{
			Key:          fmt.Sprintf("%d-%s-%d", target.ID, resp.URL, i),
			TargetID:     target.ID,
			PartitionKey: target.PartitionKey,
			Name:         fmt.Sprintf("listing %d", i),
			SourceURL:    resp.URL,
			Page:         page,
		})
	}
	return out, nil
}

type fakeSession struct {
	site   *fakeSite
	mu     sync.Mutex
	closed bool
}

func (s *fakeSession) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return crawler.FetchResponse{}, crawler.ErrSessionClosed
	}
	return s.site.fetch(ctx, req.URL)
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type fakeFactory struct {
	site    *fakeSite
	err     error
	mu      sync.Mutex
	proxies []proxy.Record
}

func (f *fakeFactory) NewSession(_ context.Context, p proxy.Record) (crawler.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proxies = append(f.proxies, p)
	return &fakeSession{site: f.site}, nil
}

func (f *fakeFactory) Sessions() []proxy.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]proxy.Record(nil), f.proxies...)
}

type fakeProxies struct {
	mu             sync.Mutex
	next           int
	released       int
	successes      int
	failures       int
	blacklistEvery int
}

func (p *fakeProxies) Acquire(context.Context) (proxy.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := proxy.Record{ID: p.next, Address: fmt.Sprintf("http://proxy-%d.test:8080", p.next), Health: proxy.Healthy}
	p.next++
	return rec, nil
}

func (p *fakeProxies) Release(proxy.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released++
}

func (p *fakeProxies) ReportSuccess(proxy.Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.successes++
}

func (p *fakeProxies) ReportFailure(proxy.Record) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures++
	return p.blacklistEvery > 0 && p.failures%p.blacklistEvery == 0
}

func (p *fakeProxies) counts() (acquired, released, failures int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next, p.released, p.failures
}

func testPolicy() crawler.RetryPolicy {
	p := crawler.DefaultRetryPolicy()
	p.BaseDelay = time.Millisecond
	p.MaxDelay = 5 * time.Millisecond
	p.StoreRetries = 2
	p.StoreBaseDelay = time.Millisecond
	p.StoreMaxDelay = 2 * time.Millisecond
	return p
}

type harness struct {
	store    *memory.TargetStore
	sink     *memory.ListingSink
	site     *fakeSite
	factory  *fakeFactory
	proxies  *fakeProxies
	worker   *Worker
	done     chan error
	cancel   context.CancelFunc
	targetID int64
}

// flakyStore fails the first heartbeatErrs heartbeats and checkpointErrs
// checkpoints with a connection error.
type flakyStore struct {
	*memory.TargetStore
	mu             sync.Mutex
	heartbeatErrs  int
	checkpointErrs int
	heartbeatFails int
}

var errConnReset = errors.New("connection reset by peer")

func (s *flakyStore) Heartbeat(ctx context.Context, targetID int64, workerID string, now time.Time) error {
	s.mu.Lock()
	if s.heartbeatErrs > 0 {
		s.heartbeatErrs--
		s.heartbeatFails++
		s.mu.Unlock()
		return errConnReset
	}
	s.mu.Unlock()
	return s.TargetStore.Heartbeat(ctx, targetID, workerID, now)
}

func (s *flakyStore) Checkpoint(ctx context.Context, targetID int64, workerID string, cursor store.Cursor, records int, now time.Time) error {
	s.mu.Lock()
	if s.checkpointErrs > 0 {
		s.checkpointErrs--
		s.mu.Unlock()
		return errConnReset
	}
	s.mu.Unlock()
	return s.TargetStore.Checkpoint(ctx, targetID, workerID, cursor, records, now)
}

func (s *flakyStore) failedHeartbeats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeatFails
}

func newHarness(t *testing.T, pages map[string]sitePage, mutate func(*Config)) *harness {
	t.Helper()
	return newHarnessWithStore(t, pages, mutate, nil)
}

func newHarnessWithStore(
	t *testing.T,
	pages map[string]sitePage,
	mutate func(*Config),
	wrap func(*memory.TargetStore) store.TargetStore,
) *harness {
	t.Helper()
	st := memory.NewTargetStore()
	_, err := st.Insert(context.Background(), []store.NewTarget{
		{PartitionKey: "CA", City: "Fresno", Category: "Plumbers", MaxPages: 10},
	})
	require.NoError(t, err)

	site := newSite(pages)
	h := &harness{
		store:    st,
		sink:     memory.NewListingSink(),
		site:     site,
		factory:  &fakeFactory{site: site},
		proxies:  &fakeProxies{},
		targetID: 1,
	}
	cfg := Config{
		ID:           "worker-test",
		Partitions:   []string{"CA"},
		IdleInterval: 5 * time.Millisecond,
		Retry:        testPolicy(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	var backing store.TargetStore = st
	if wrap != nil {
		backing = wrap(st)
	}
	w, err := New(cfg, Deps{
		Store:     backing,
		Proxies:   h.proxies,
		Sessions:  h.factory,
		Extractor: site,
		Sink:      h.sink,
		URLs:      crawler.TemplateURLBuilder{Template: pageTemplate},
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	h.worker = w
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.worker.Run(ctx) }()
}

func (h *harness) stop(t *testing.T) {
	t.Helper()
	h.worker.Drain()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}
	h.cancel()
	assert.Equal(t, StateStopped, h.worker.State())
}

func (h *harness) target(t *testing.T) store.Target {
	t.Helper()
	got, err := h.store.Get(context.Background(), h.targetID)
	require.NoError(t, err)
	return got
}

func (h *harness) waitFor(t *testing.T, cond func(store.Target) bool) store.Target {
	t.Helper()
	var last store.Target
	require.Eventually(t, func() bool {
		last = h.target(t)
		return cond(last)
	}, 5*time.Second, 2*time.Millisecond)
	return last
}

func terminal(tg store.Target) bool { return tg.Status.Terminal() }

func (h *harness) committed(t *testing.T) []int {
	t.Helper()
	entries, err := h.store.PageLog(context.Background(), h.targetID)
	require.NoError(t, err)
	require.True(t, store.Monotonic(entries), "page log must advance one page at a time")
	return store.CommittedPages(entries)
}

func TestWorkerPaginatesUntilExhausted(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1):                      {records: 3, hasMore: true, next: "https://listings.test/next/2"},
		"https://listings.test/next/2": {records: 2},
	}, nil)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteExhausted, *got.Note)
	assert.Equal(t, 2, got.PageCurrent)
	assert.Equal(t, []string{pageURL(1), "https://listings.test/next/2"}, h.site.Fetched())
	assert.Equal(t, []int{1, 2}, h.committed(t))
	assert.Equal(t, 5, h.sink.Len())
}

func TestWorkerBuildsURLsWithoutNextLink(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 1, hasMore: true},
		pageURL(2): {records: 1, hasMore: true},
		pageURL(3): {records: 1},
	}, nil)
	h.start()

	h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, []string{pageURL(1), pageURL(2), pageURL(3)}, h.site.Fetched())
	assert.Equal(t, []int{1, 2, 3}, h.committed(t))
}

func TestWorkerStopsWhenFirstPageIsEmpty(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 0, hasMore: true, next: pageURL(2)},
		pageURL(2): {records: 5},
	}, nil)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteNoResultsFirstPage, *got.Note)
	assert.Equal(t, []string{pageURL(1)}, h.site.Fetched(), "page 2 must never be fetched")
	assert.Equal(t, []int{1}, h.committed(t))
	assert.Zero(t, h.sink.Len())
}

func TestWorkerHonorsMaxPages(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 1, hasMore: true},
		pageURL(2): {records: 1, hasMore: true},
		pageURL(3): {records: 1, hasMore: true},
	}, nil)
	ctx := context.Background()
	_, err := h.store.Insert(ctx, []store.NewTarget{{PartitionKey: "NV", City: "Reno", Category: "Plumbers", MaxPages: 2}})
	require.NoError(t, err)
	h.worker.filter = store.Filter{PartitionKeys: []string{"NV"}}
	h.targetID = 2
	h.site.pages["https://listings.test/nv/reno/plumbers?page=1"] = sitePage{records: 1, hasMore: true}
	h.site.pages["https://listings.test/nv/reno/plumbers?page=2"] = sitePage{records: 1, hasMore: true}
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteMaxPages, *got.Note)
	assert.Equal(t, []int{1, 2}, h.committed(t))
}

func TestWorkerResumesFromCheckpoint(t *testing.T) {
	resume := "https://listings.test/resume/2"
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 3, hasMore: true, next: resume},
		resume:     {records: 2},
	}, nil)
	ctx := context.Background()
	now := time.Now().UTC()

	// A previous owner committed page 1 and then died.
	claimed, err := h.store.Claim(ctx, store.Filter{}, "dead-worker", now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, h.store.RecordIntent(ctx, 1, "dead-worker", 1, pageURL(1), now))
	require.NoError(t, h.store.Checkpoint(ctx, 1, "dead-worker", store.Cursor{Page: 1, ResumeToken: resume}, 3, now))
	res, err := h.store.ReclaimStale(ctx, now.Add(time.Hour), 3, now)
	require.NoError(t, err)
	require.Equal(t, []int64{1}, res.Requeued)

	h.start()
	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	assert.Equal(t, []string{resume}, h.site.Fetched(), "page 1 must not be refetched")
	assert.Equal(t, []int{1, 2}, h.committed(t))
	assert.Equal(t, 1, got.Attempts)
}

func TestWorkerParksTargetMissingOnFirstPage(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {status: http.StatusNotFound},
	}, nil)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusParked, got.Status)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteNotFound, *got.Note)
	assert.Zero(t, got.Attempts)
}

func TestWorkerTreatsLaterNotFoundAsExhausted(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 2, hasMore: true},
		pageURL(2): {status: http.StatusGone},
	}, nil)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteExhausted, *got.Note)
	assert.Equal(t, 1, got.PageCurrent)
}

func TestWorkerFailsTargetAfterAttemptBudget(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {status: http.StatusBadGateway},
	}, nil)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.Note)
	assert.Equal(t, store.NoteMaxAttempts, *got.Note)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "502")
	assert.Len(t, h.site.Fetched(), 3)
	_, _, failures := h.proxies.counts()
	assert.Equal(t, 3, failures)
}

func TestWorkerSurvivesHeartbeatErrors(t *testing.T) {
	// Two store retries per call: page 1 loses both, page 2 recovers on retry.
	flaky := &flakyStore{heartbeatErrs: 3}
	h := newHarnessWithStore(t, map[string]sitePage{
		pageURL(1): {records: 2, hasMore: true},
		pageURL(2): {records: 2, hasMore: true},
		pageURL(3): {records: 1},
	}, nil, func(st *memory.TargetStore) store.TargetStore {
		flaky.TargetStore = st
		return flaky
	})
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Equal(t, 3, flaky.failedHeartbeats())
	assert.Equal(t, []int{1, 2, 3}, h.committed(t))
	assert.Equal(t, 5, h.sink.Len())
}

func TestWorkerRecordsAttemptWhenCheckpointFails(t *testing.T) {
	flaky := &flakyStore{checkpointErrs: 2}
	h := newHarnessWithStore(t, map[string]sitePage{
		pageURL(1): {records: 2},
	}, nil, func(st *memory.TargetStore) store.TargetStore {
		flaky.TargetStore = st
		return flaky
	})
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, errConnReset.Error())
	assert.Equal(t, []int{1}, h.committed(t))
	assert.Equal(t, []string{pageURL(1), pageURL(1)}, h.site.Fetched())
	assert.Equal(t, 2, h.sink.Len(), "the replayed page is deduplicated")
}

func TestWorkerFailsTargetWhenExtractorPanics(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 2},
	}, nil)
	h.site.panicOn = pageURL(1)
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Contains(t, *got.LastError, "extractor panic: nil selection")
	assert.Zero(t, h.sink.Len())
}

func TestWorkerBlockStartsCooldownAndSwapsProxy(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {blocked: true},
	}, func(cfg *Config) {
		cfg.Retry.BlockThreshold = 1
	})
	h.proxies.blacklistEvery = 1
	h.start()

	got := h.waitFor(t, func(tg store.Target) bool { return tg.Attempts == 1 })
	require.Eventually(t, func() bool { return len(h.factory.Sessions()) == 2 }, 5*time.Second, 2*time.Millisecond)

	// The cooldown keeps the worker from claiming again.
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.site.Fetched(), 1)
	h.stop(t)

	assert.Equal(t, store.StatusPlanned, got.Status)
	require.NotNil(t, got.LastError)
	assert.True(t, strings.Contains(*got.LastError, crawler.ErrBlocked.Error()))

	sessions := h.factory.Sessions()
	assert.NotEqual(t, sessions[0].ID, sessions[1].ID, "blacklisted proxy must be replaced")
	acquired, released, _ := h.proxies.counts()
	assert.Equal(t, 2, acquired)
	assert.Equal(t, 2, released)
}

func TestWorkerYieldsAfterCheckpointWhenDrained(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 2, hasMore: true, next: pageURL(2)},
		pageURL(2): {records: 2},
	}, nil)
	h.site.onFetch = func(context.Context, string) error {
		h.worker.Drain()
		return nil
	}
	h.start()

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain")
	}
	h.cancel()

	got := h.target(t)
	assert.Equal(t, store.StatusPlanned, got.Status)
	assert.Equal(t, 1, got.PageCurrent)
	assert.Equal(t, pageURL(2), got.Token())
	assert.Zero(t, got.Attempts, "yield must not count an attempt")
	assert.Equal(t, []string{pageURL(1)}, h.site.Fetched())
}

func TestWorkerYieldsOnHardStop(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 2},
	}, nil)
	fetching := make(chan struct{})
	h.site.onFetch = func(ctx context.Context, _ string) error {
		close(fetching)
		<-ctx.Done()
		return ctx.Err()
	}
	h.start()

	<-fetching
	h.cancel()
	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}

	got := h.target(t)
	assert.Equal(t, store.StatusPlanned, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.ClaimedBy)
}

func TestWorkerAbandonsTargetAfterLeaseLoss(t *testing.T) {
	h := newHarness(t, map[string]sitePage{
		pageURL(1): {records: 3},
	}, nil)
	var once sync.Once
	h.site.onFetch = func(ctx context.Context, _ string) error {
		once.Do(func() {
			_, err := h.store.ReclaimStale(ctx, time.Now().Add(time.Hour), 5, time.Now())
			if err != nil {
				panic(err)
			}
		})
		return nil
	}
	h.start()

	got := h.waitFor(t, terminal)
	h.stop(t)

	assert.Equal(t, store.StatusDone, got.Status)
	assert.Equal(t, 1, got.Attempts, "the reclaim counted one attempt")
	assert.Equal(t, []int{1}, h.committed(t), "the stale owner must not commit")
	assert.Len(t, h.site.Fetched(), 2)
	assert.Equal(t, 3, h.sink.Len(), "resubmitted records are deduplicated")
}

func TestWorkerRecyclesSessions(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.SessionRecycleAfter = 2
	})
	ctx := context.Background()
	var targets []store.NewTarget
	for _, city := range []string{"Bakersfield", "Modesto", "Visalia"} {
		targets = append(targets, store.NewTarget{PartitionKey: "CA", City: city, Category: "Plumbers"})
	}
	_, err := h.store.Insert(ctx, targets)
	require.NoError(t, err)
	h.site.pages = map[string]sitePage{}
	for _, city := range []string{"fresno", "bakersfield", "modesto", "visalia"} {
		h.site.pages[fmt.Sprintf("https://listings.test/ca/%s/plumbers?page=1", city)] = sitePage{records: 1}
	}
	h.start()

	require.Eventually(t, func() bool {
		rows, err := h.store.Summary(ctx, store.Filter{})
		require.NoError(t, err)
		for _, row := range rows {
			if row.Status != store.StatusDone || row.Count != 4 {
				return false
			}
		}
		return len(rows) == 1
	}, 5*time.Second, 2*time.Millisecond)
	h.stop(t)

	sessions := h.factory.Sessions()
	assert.Len(t, sessions, 3)
	for _, s := range sessions {
		assert.Equal(t, sessions[0].ID, s.ID, "recycling keeps the proxy")
	}
}

func TestWorkerReturnsErrorWhenSessionCannotOpen(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.factory.err = errors.New("browser missing")

	err := h.worker.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "browser missing")
	assert.Equal(t, StateStopped, h.worker.State())
	_, released, _ := h.proxies.counts()
	assert.Equal(t, 1, released)
}

func TestWorkerRecordsLivenessWhileIdle(t *testing.T) {
	h := newHarness(t, nil, func(cfg *Config) {
		cfg.Partitions = []string{"TX"}
	})
	h.start()

	require.Eventually(t, func() bool {
		hbs, err := h.store.ListWorkerHeartbeats(context.Background())
		require.NoError(t, err)
		return len(hbs) == 1 && hbs[0].WorkerID == "worker-test" && hbs[0].CurrentTargetID == nil
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, StateRunning, h.worker.State())
	h.stop(t)
}

func TestNewValidatesDependencies(t *testing.T) {
	st := memory.NewTargetStore()
	site := newSite(nil)
	deps := Deps{
		Store:     st,
		Proxies:   &fakeProxies{},
		Sessions:  &fakeFactory{site: site},
		Extractor: site,
		Sink:      memory.NewListingSink(),
		URLs:      crawler.TemplateURLBuilder{Template: pageTemplate},
	}

	_, err := New(Config{Retry: testPolicy()}, deps)
	require.Error(t, err)

	noStore := deps
	noStore.Store = nil
	_, err = New(Config{ID: "w", Retry: testPolicy()}, noStore)
	require.Error(t, err)

	_, err = New(Config{ID: "w"}, deps)
	require.Error(t, err, "zero retry policy must be rejected")

	w, err := New(Config{ID: "w", Retry: testPolicy()}, deps)
	require.NoError(t, err)
	assert.Equal(t, "w", w.ID())
	assert.Equal(t, StateStarting, w.State())
	assert.Equal(t, "draining", StateDraining.String())
}
