// Package worker implements the claim/fetch/checkpoint loop run by each crawl worker.
package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// State is the worker lifecycle state.
type State int32

// Lifecycle states.
const (
	StateStarting State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ProxyPool is the subset of *proxy.Pool a worker uses.
type ProxyPool interface {
	Acquire(ctx context.Context) (proxy.Record, error)
	Release(rec proxy.Record)
	ReportSuccess(rec proxy.Record)
	ReportFailure(rec proxy.Record) bool
}

// Config controls Worker behavior.
type Config struct {
	ID         string
	Partitions []string
	// IdleInterval is the sleep between empty claims.
	IdleInterval time.Duration
	// HeartbeatInterval drives the lease ticker while a target is held.
	HeartbeatInterval time.Duration
	// SessionRecycleAfter recreates the fetch session after this many targets.
	SessionRecycleAfter int
	Retry               crawler.RetryPolicy
	Headers             http.Header
}

// Deps are the collaborators a Worker needs.
type Deps struct {
	Store     store.TargetStore
	Proxies   ProxyPool
	Sessions  crawler.SessionFactory
	Extractor crawler.Extractor
	Sink      crawler.Sink
	URLs      crawler.URLBuilder
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Worker owns one fetch session and one proxy slot and processes targets
// from its partition until drained or cancelled.
type Worker struct {
	cfg     Config
	deps    Deps
	filter  store.Filter
	limiter *ratelimit.Limiter
	logger  *zap.Logger

	state     atomic.Int32
	drainOnce sync.Once
	drain     chan struct{}

	proxy         proxy.Record
	holding       bool
	session       crawler.Session
	sessionUses   int
	cooldownUntil time.Time
}

// New validates the configuration and builds a Worker.
func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case cfg.ID == "":
		return nil, fmt.Errorf("worker id is required")
	case deps.Store == nil || deps.Proxies == nil || deps.Sessions == nil:
		return nil, fmt.Errorf("worker %s: store, proxies, and sessions are required", cfg.ID)
	case deps.Extractor == nil || deps.Sink == nil || deps.URLs == nil:
		return nil, fmt.Errorf("worker %s: extractor, sink, and url builder are required", cfg.ID)
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("worker %s: %w", cfg.ID, err)
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	w := &Worker{
		cfg:    cfg,
		deps:   deps,
		filter: store.Filter{PartitionKeys: cfg.Partitions},
		limiter: ratelimit.New(ratelimit.Config{
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			BackoffFactor:  cfg.Retry.BackoffFactor,
			RecoveryFactor: cfg.Retry.RecoveryFactor,
			BlockFactor:    cfg.Retry.BlockFactor,
			BlockThreshold: cfg.Retry.BlockThreshold,
			BlockCooldown:  cfg.Retry.BlockCooldown,
		}),
		logger: deps.Logger.Named("worker").With(zap.String("worker_id", cfg.ID)),
		drain:  make(chan struct{}),
	}
	return w, nil
}

// ID returns the worker identity written to claimed_by.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Drain asks the worker to stop claiming. The in-flight target is finished
// or checkpointed and yielded before Run returns.
func (w *Worker) Drain() {
	w.drainOnce.Do(func() { close(w.drain) })
}

func (w *Worker) draining() bool {
	select {
	case <-w.drain:
		return true
	default:
		return false
	}
}

// Run processes targets until drained or ctx ends. It returns nil on a
// clean stop and an error when the worker cannot continue (the store stays
// unreachable or no fetch session can be created).
func (w *Worker) Run(ctx context.Context) (err error) {
	w.setState(StateStarting)
	metrics.IncActiveWorkers()
	defer func() {
		w.closeSession()
		w.releaseProxy()
		w.setState(StateStopped)
		metrics.DecActiveWorkers()
		w.logger.Info("worker stopped", zap.Error(err))
	}()

	if err := w.acquireProxy(ctx); err != nil {
		return ignoreCancel(ctx, err)
	}
	if err := w.openSession(ctx); err != nil {
		return err
	}
	w.setState(StateRunning)
	w.logger.Info("worker running", zap.Strings("partitions", w.cfg.Partitions), zap.String("proxy", w.proxy.Label()))

	for {
		if w.draining() {
			w.setState(StateDraining)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if wait := w.cooldownUntil.Sub(w.deps.Clock.Now()); wait > 0 {
			w.logger.Warn("block cooldown", zap.Duration("wait", wait))
			if !w.pause(ctx, wait) {
				return nil
			}
			continue
		}

		var claimed []store.Target
		err := w.cfg.Retry.RetryStore(ctx, func(ctx context.Context) error {
			var err error
			claimed, err = w.deps.Store.Claim(ctx, w.filter, w.cfg.ID, w.deps.Clock.Now(), 1)
			return err
		})
		if err != nil {
			return ignoreCancel(ctx, fmt.Errorf("claim: %w", err))
		}
		if len(claimed) == 0 {
			w.recordLiveness(ctx, nil)
			if !w.pause(ctx, w.cfg.IdleInterval) {
				return nil
			}
			continue
		}

		if err := w.process(ctx, claimed[0]); err != nil {
			return ignoreCancel(ctx, err)
		}
		if err := w.maybeRecycle(ctx); err != nil {
			return ignoreCancel(ctx, err)
		}
	}
}

// process runs one claimed target to a terminal state, a yield, or a
// recorded failure. Only fatal conditions are returned.
func (w *Worker) process(ctx context.Context, t store.Target) error {
	log := w.logger.With(
		zap.Int64("target_id", t.ID),
		zap.String("partition", t.PartitionKey),
		zap.String("city", t.City),
		zap.String("category", t.Category),
	)
	metrics.ObserveClaim(t.PartitionKey)
	log.Info("claimed target", zap.Int("resume_page", t.NextPage()))

	lease := w.startLeaseTicker(ctx, t.ID)
	defer lease.stop()
	w.recordLiveness(ctx, &t.ID)

	r := &run{w: w, t: t, log: log, lease: lease, token: t.Token(), page: t.NextPage()}
	err := r.paginate(ctx)
	w.sessionUses++
	return err
}

func (w *Worker) maybeRecycle(ctx context.Context) error {
	if w.cfg.SessionRecycleAfter <= 0 || w.sessionUses < w.cfg.SessionRecycleAfter {
		return nil
	}
	w.logger.Info("recycling fetch session", zap.Int("targets", w.sessionUses))
	w.closeSession()
	return w.openSession(ctx)
}

// swapProxy replaces a blacklisted proxy. Sessions are bound to one proxy,
// so the session is recreated too.
func (w *Worker) swapProxy(ctx context.Context) error {
	old := w.proxy
	w.closeSession()
	w.releaseProxy()
	if err := w.acquireProxy(ctx); err != nil {
		return err
	}
	w.logger.Info("swapped proxy", zap.String("from", old.Label()), zap.String("to", w.proxy.Label()))
	return w.openSession(ctx)
}

func (w *Worker) acquireProxy(ctx context.Context) error {
	rec, err := w.deps.Proxies.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire proxy: %w", err)
	}
	w.proxy = rec
	w.holding = true
	return nil
}

func (w *Worker) releaseProxy() {
	if !w.holding {
		return
	}
	w.deps.Proxies.Release(w.proxy)
	w.proxy = proxy.Record{}
	w.holding = false
}

func (w *Worker) openSession(ctx context.Context) error {
	sess, err := w.deps.Sessions.NewSession(ctx, w.proxy)
	if err != nil {
		return fmt.Errorf("open fetch session: %w", err)
	}
	w.session = sess
	w.sessionUses = 0
	return nil
}

func (w *Worker) closeSession() {
	if w.session == nil {
		return
	}
	if err := w.session.Close(); err != nil {
		w.logger.Warn("close fetch session", zap.Error(err))
	}
	w.session = nil
}

// recordLiveness upserts worker_heartbeats; failures only cost observability.
func (w *Worker) recordLiveness(ctx context.Context, targetID *int64) {
	hb := store.WorkerHeartbeat{WorkerID: w.cfg.ID, LastHeartbeat: w.deps.Clock.Now(), CurrentTargetID: targetID}
	if err := w.deps.Store.UpsertWorkerHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
		w.logger.Warn("worker heartbeat failed", zap.Error(err))
	}
}

// pause sleeps for d, waking early on drain. It returns false when ctx ended.
func (w *Worker) pause(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-w.drain:
		return true
	case <-timer.C:
		return true
	}
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// leaseTicker renews the target heartbeat in the background so long
// rate-limit waits and slow fetches never look stale.
type leaseTicker struct {
	lost   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *Worker) startLeaseTicker(ctx context.Context, targetID int64) *leaseTicker {
	l := &leaseTicker{done: make(chan struct{})}
	if w.cfg.HeartbeatInterval <= 0 {
		l.cancel = func() {}
		close(l.done)
		return l
	}
	tickCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	go func() {
		defer close(l.done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				err := w.deps.Store.Heartbeat(tickCtx, targetID, w.cfg.ID, w.deps.Clock.Now())
				switch {
				case err == nil:
					w.recordLiveness(tickCtx, &targetID)
				case leaseGone(err):
					l.lost.Store(true)
					return
				case tickCtx.Err() == nil:
					w.logger.Warn("lease heartbeat failed", zap.Int64("target_id", targetID), zap.Error(err))
				}
			}
		}
	}()
	return l
}

func (l *leaseTicker) stop() {
	l.cancel()
	<-l.done
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
