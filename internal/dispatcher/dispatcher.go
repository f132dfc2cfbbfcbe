// Package dispatcher manages worker fan-out over the partition plan: staggered
// spawn, supervised restarts, the stale-lease sweep, and drain-then-cancel shutdown.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/partition"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// ErrRestartBudgetExceeded is returned when a worker slot keeps failing after
// its allowed restarts.
var ErrRestartBudgetExceeded = errors.New("worker restart budget exceeded")

// ErrWorkerPanic marks a worker exit caused by a recovered panic.
var ErrWorkerPanic = errors.New("worker panicked")

// Runner is one crawl worker as seen by the supervisor.
type Runner interface {
	ID() string
	Run(ctx context.Context) error
	Drain()
}

// WorkerFactory builds the worker for a slot. It is called again on every restart.
type WorkerFactory func(slot int, partitions []string) (Runner, error)

// Config controls supervision and the reclaim sweep.
type Config struct {
	// Stagger delays the start of slot i by i*Stagger.
	Stagger        time.Duration
	MaxRestarts    int
	RestartBackoff time.Duration
	// GracePeriod is how long Stop waits for drained workers before cancelling.
	GracePeriod     time.Duration
	ReclaimInterval time.Duration
	StaleAfter      time.Duration
	MaxAttempts     int
}

// Dispatcher supervises a fixed number of worker slots.
type Dispatcher struct {
	cfg       Config
	store     store.TargetStore
	newWorker WorkerFactory
	clock     crawler.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	started  bool
	draining bool
	active   map[int]Runner
	plan     map[int][]string

	stopOnce sync.Once
	stopping chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// New validates the configuration and builds a Dispatcher.
func New(cfg Config, st store.TargetStore, factory WorkerFactory, clock crawler.Clock, logger *zap.Logger) (*Dispatcher, error) {
	if st == nil || factory == nil {
		return nil, fmt.Errorf("dispatcher: store and worker factory are required")
	}
	if cfg.MaxRestarts < 0 {
		return nil, fmt.Errorf("dispatcher: max restarts must be >= 0")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("dispatcher: max attempts must be > 0")
	}
	if cfg.ReclaimInterval <= 0 || cfg.StaleAfter <= 0 {
		return nil, fmt.Errorf("dispatcher: reclaim interval and stale threshold must be > 0")
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.RestartBackoff <= 0 {
		cfg.RestartBackoff = time.Second
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		store:     st,
		newWorker: factory,
		clock:     clock,
		logger:    logger.Named("dispatcher"),
		active:    make(map[int]Runner),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Plan computes the slot-to-partition assignment Start would use.
func Plan(values []string, workers int) (map[int][]string, error) {
	normalized, err := partition.Normalize(values)
	if err != nil {
		return nil, fmt.Errorf("partitions: %w", err)
	}
	plan, err := partition.Assign(normalized, workers)
	if err != nil {
		return nil, fmt.Errorf("partitions: %w", err)
	}
	return plan, nil
}

// Start assigns partitions, spawns the worker slots, and starts the reclaim
// sweep. It returns immediately; use Wait or Stop to collect the result.
func (d *Dispatcher) Start(ctx context.Context, workers int, values []string) error {
	plan, err := Plan(values, workers)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.started = true
	d.plan = plan
	d.cancel = cancel
	d.mu.Unlock()

	var g errgroup.Group
	for slot := 0; slot < workers; slot++ {
		partitions, ok := plan[slot]
		if !ok {
			continue
		}
		slot := slot
		g.Go(func() error {
			return d.supervise(runCtx, slot, partitions)
		})
	}
	d.logger.Info("dispatcher started", zap.Int("slots", len(plan)), zap.Int("requested", workers))

	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		d.reclaimLoop(runCtx)
	}()

	go func() {
		err := g.Wait()
		cancel()
		<-sweepDone
		d.err = err
		close(d.done)
	}()
	return nil
}

// Wait blocks until every slot has exited and returns the first slot error.
func (d *Dispatcher) Wait() error {
	<-d.done
	return d.err
}

// Done is closed once every slot has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stop drains all workers, waits up to the grace period, then cancels
// whatever is still running.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	started := d.started
	if !d.draining {
		d.draining = true
		for _, w := range d.active {
			w.Drain()
		}
	}
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.stopping) })
	if !started {
		return nil
	}

	timer := time.NewTimer(d.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case <-d.done:
	case <-timer.C:
		d.logger.Warn("grace period elapsed; cancelling workers", zap.Duration("grace_period", d.cfg.GracePeriod))
		d.cancel()
		<-d.done
	}
	return d.err
}

// Assignment returns a copy of the partition plan.
func (d *Dispatcher) Assignment() map[int][]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int][]string, len(d.plan))
	for slot, values := range d.plan {
		out[slot] = append([]string(nil), values...)
	}
	return out
}

// Active returns the number of workers currently running.
func (d *Dispatcher) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active)
}

// ReclaimOnce runs one stale-lease sweep.
func (d *Dispatcher) ReclaimOnce(ctx context.Context) (store.ReclaimResult, error) {
	now := d.clock.Now()
	res, err := d.store.ReclaimStale(ctx, now.Add(-d.cfg.StaleAfter), d.cfg.MaxAttempts, now)
	if err != nil {
		return store.ReclaimResult{}, fmt.Errorf("reclaim stale: %w", err)
	}
	metrics.ObserveReclaim(string(store.StatusPlanned), len(res.Requeued))
	metrics.ObserveReclaim(string(store.StatusFailed), len(res.Failed))
	if res.Total() > 0 {
		d.logger.Info("reclaimed stale targets",
			zap.Int64s("requeued", res.Requeued),
			zap.Int64s("failed", res.Failed),
		)
	}
	return res, nil
}

func (d *Dispatcher) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		if _, err := d.ReclaimOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("reclaim sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// supervise runs one slot, restarting its worker after an unexpected exit
// until the restart budget is spent.
func (d *Dispatcher) supervise(ctx context.Context, slot int, partitions []string) error {
	if !d.pause(ctx, time.Duration(slot)*d.cfg.Stagger) {
		return nil
	}
	restarts := 0
	for {
		w, err := d.newWorker(slot, partitions)
		if err == nil {
			if !d.register(slot, w) {
				return nil
			}
			err = d.runWorker(ctx, slot, w)
			d.unregister(slot)
			if err == nil {
				return nil
			}
		}
		if d.stopRequested() || ctx.Err() != nil {
			return nil
		}
		if restarts >= d.cfg.MaxRestarts {
			d.logger.Error("worker slot giving up", zap.Int("slot", slot), zap.Int("restarts", restarts), zap.Error(err))
			return fmt.Errorf("slot %d: %w: %w", slot, ErrRestartBudgetExceeded, err)
		}
		restarts++
		metrics.ObserveWorkerRestart(slot)
		d.logger.Warn("restarting worker",
			zap.Int("slot", slot),
			zap.Int("restart", restarts),
			zap.Int("max_restarts", d.cfg.MaxRestarts),
			zap.Error(err),
		)
		if !d.pause(ctx, d.cfg.RestartBackoff) {
			return nil
		}
	}
}

// runWorker runs w, converting a panic into an error so it is charged to
// the slot's restart budget instead of taking down every other slot.
func (d *Dispatcher) runWorker(ctx context.Context, slot int, w Runner) (err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("worker panicked",
				zap.Int("slot", slot),
				zap.String("worker_id", w.ID()),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("worker %s: %w: %v", w.ID(), ErrWorkerPanic, p)
		}
	}()
	return w.Run(ctx)
}

// register records the running worker. It returns false when a stop is
// already in progress so no new worker starts claiming.
func (d *Dispatcher) register(slot int, w Runner) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.draining {
		return false
	}
	d.active[slot] = w
	d.logger.Info("worker started", zap.Int("slot", slot), zap.String("worker_id", w.ID()))
	return true
}

func (d *Dispatcher) unregister(slot int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, slot)
}

func (d *Dispatcher) stopRequested() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

// pause waits d, returning false if the dispatcher is stopping or ctx ended.
func (d *Dispatcher) pause(ctx context.Context, wait time.Duration) bool {
	if wait <= 0 {
		return !d.stopRequested() && ctx.Err() == nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-d.stopping:
		return false
	case <-timer.C:
		return true
	}
}
