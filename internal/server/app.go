// Package server builds the crawler's dependencies from configuration and
// runs the worker pool alongside the status HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/api"
	"github.com/JakeFAU/listing-crawler/internal/clock/system"
	"github.com/JakeFAU/listing-crawler/internal/config"
	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/dispatcher"
	"github.com/JakeFAU/listing-crawler/internal/extract"
	"github.com/JakeFAU/listing-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/listing-crawler/internal/fetcher/detector"
	headlessfetcher "github.com/JakeFAU/listing-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/listing-crawler/internal/hash/sha256"
	"github.com/JakeFAU/listing-crawler/internal/id/uuid"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
	"github.com/JakeFAU/listing-crawler/internal/sink/file"
	"github.com/JakeFAU/listing-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/listing-crawler/internal/storage/postgres"
	"github.com/JakeFAU/listing-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/listing-crawler/internal/store"
	"github.com/JakeFAU/listing-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  crawler.Clock

	store   store.TargetStore
	sink    crawler.Sink
	proxies *proxy.Pool
	closers []func() error
}

// Build opens the target store and the listing sink. Fetch-side
// dependencies are created later by Run so operator commands stay cheap.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	if err := app.setupStore(ctx); err != nil {
		_ = app.Close()
		return nil, err
	}
	logger.Info("application built",
		zap.String("store", cfg.Store.Driver),
		zap.String("sink", cfg.Sink.Kind),
	)
	return app, nil
}

// Store returns the target store.
func (a *App) Store() store.TargetStore {
	return a.store
}

// Sink returns the listing sink.
func (a *App) Sink() crawler.Sink {
	return a.sink
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgstore.Connect(ctx, pgstore.Config{
			DSN:             a.cfg.Store.DSN,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: a.cfg.Store.MaxConnLifetime,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		st, err := pgstore.NewTargetStoreWithPool(pool)
		if err != nil {
			return err
		}
		if a.cfg.Store.Migrate {
			if err := st.Migrate(ctx); err != nil {
				return err
			}
		}
		a.store = st
		if a.cfg.Sink.Kind == config.SinkPostgres {
			sink, err := pgstore.NewListingSink(pool, a.cfg.Store.ListingsTable)
			if err != nil {
				return fmt.Errorf("listing sink: %w", err)
			}
			if a.cfg.Store.Migrate {
				if err := sink.Migrate(ctx); err != nil {
					return err
				}
			}
			a.sink = sink
		}
		a.logger.Info("postgres target store ready", zap.Int32("max_conns", a.cfg.Store.MaxConns))
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, a.cfg.Store.Path)
		if err != nil {
			return err
		}
		st := sqlite.NewTargetStore(db)
		a.closers = append(a.closers, st.Close)
		a.store = st
		if a.cfg.Sink.Kind == config.SinkSQLite {
			a.sink = sqlite.NewListingSink(db)
		}
		a.logger.Info("sqlite target store ready", zap.String("path", a.cfg.Store.Path))
	default:
		a.store = memory.NewTargetStore()
		a.logger.Warn("using in-memory target store; progress is lost on exit")
	}

	switch a.cfg.Sink.Kind {
	case config.SinkFile:
		sink, err := file.New(file.Config{BaseDir: a.cfg.Sink.Path})
		if err != nil {
			return fmt.Errorf("file sink: %w", err)
		}
		a.closers = append(a.closers, sink.Close)
		a.sink = sink
	case config.SinkMemory:
		a.sink = memory.NewListingSink()
	}
	return nil
}

// NewDispatcher builds the proxy pool, fetch sessions, extractor, and the
// worker factory, and returns a dispatcher ready to Start.
func (a *App) NewDispatcher() (*dispatcher.Dispatcher, error) {
	proxies, err := proxy.New(proxy.Config{
		Addresses:          a.cfg.Proxy.Addresses,
		Strategy:           proxy.Strategy(a.cfg.Proxy.Strategy),
		BlacklistThreshold: a.cfg.Retry.BlacklistThreshold,
		BlacklistDuration:  a.cfg.Retry.BlacklistDuration,
		AcquireBackoff:     a.cfg.Retry.AcquireBackoff,
		AcquireMaxBackoff:  a.cfg.Retry.AcquireMaxBackoff,
	}, a.logger.Named("proxy"))
	if err != nil {
		return nil, fmt.Errorf("proxy pool: %w", err)
	}

	a.proxies = proxies

	sessions, err := a.sessionFactory()
	if err != nil {
		return nil, err
	}

	extractor, err := extract.New(a.cfg.Extract, sha256.New(), a.clock)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	urls := crawler.TemplateURLBuilder{Template: a.cfg.Fetch.URLTemplate}
	ids := uuid.New()
	runID, err := ids.NewID()
	if err != nil {
		return nil, err
	}
	logger := a.logger.With(zap.String("run_id", runID))

	factory := func(slot int, partitions []string) (dispatcher.Runner, error) {
		id, err := ids.WorkerID(slot)
		if err != nil {
			return nil, err
		}
		w, err := worker.New(worker.Config{
			ID:                  id,
			Partitions:          partitions,
			IdleInterval:        a.cfg.Worker.IdleInterval,
			HeartbeatInterval:   a.cfg.Worker.HeartbeatInterval,
			SessionRecycleAfter: a.cfg.Worker.SessionRecycleAfter,
			Retry:               a.cfg.Retry,
		}, worker.Deps{
			Store:     a.store,
			Proxies:   proxies,
			Sessions:  sessions,
			Extractor: extractor,
			Sink:      a.sink,
			URLs:      urls,
			Clock:     a.clock,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	d, err := dispatcher.New(dispatcher.Config{
		Stagger:         a.cfg.Pool.Stagger,
		MaxRestarts:     a.cfg.Pool.MaxRestarts,
		RestartBackoff:  a.cfg.Pool.RestartBackoff,
		GracePeriod:     a.cfg.Pool.GracePeriod,
		ReclaimInterval: a.cfg.Pool.ReclaimInterval,
		StaleAfter:      a.cfg.Pool.StaleAfter,
		MaxAttempts:     a.cfg.Retry.MaxAttempts,
	}, a.store, factory, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %w", err)
	}
	return d, nil
}

func (a *App) sessionFactory() (crawler.SessionFactory, error) {
	mode := fetcher.Mode(a.cfg.Fetch.Mode)
	detect := detector.NewHeuristic(a.cfg.Fetch.PromotionThreshold)

	var httpSessions, browserSessions crawler.SessionFactory
	if mode == fetcher.ModeColly || mode == fetcher.ModeAuto {
		httpSessions = collyfetcher.NewFactory(collyfetcher.Config{
			UserAgent:     a.cfg.Fetch.UserAgent,
			RespectRobots: a.cfg.Fetch.RespectRobots,
			Timeout:       a.cfg.Fetch.Timeout,
		}, detect)
	}
	if mode == fetcher.ModeHeadless || mode == fetcher.ModeAuto {
		browser, err := headlessfetcher.NewFactory(headlessfetcher.Config{
			MaxParallel:       a.cfg.Fetch.MaxParallelBrowser,
			UserAgent:         a.cfg.Fetch.UserAgent,
			NavigationTimeout: a.cfg.Fetch.Timeout,
		}, detect)
		if err != nil {
			return nil, fmt.Errorf("headless fetcher: %w", err)
		}
		browserSessions = browser
	}
	sessions, err := fetcher.NewFactory(mode, httpSessions, browserSessions, detect, a.logger.Named("fetcher"))
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}
	a.logger.Info("fetch sessions configured",
		zap.String("mode", string(mode)),
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
	)
	return sessions, nil
}

// Run starts the worker pool and, when server.port > 0, the status server.
// It blocks until ctx is cancelled (then drains the pool) or the pool exits
// on its own, and returns the pool's error.
func (a *App) Run(ctx context.Context, workers int, partitions []string) error {
	d, err := a.NewDispatcher()
	if err != nil {
		return err
	}
	// The pool is stopped by Stop on ctx.Done so workers get a drain and
	// grace period instead of an immediate cancel.
	if err := d.Start(context.WithoutCancel(ctx), workers, partitions); err != nil {
		return err
	}

	var srv *http.Server
	serveErr := make(chan error, 1)
	if a.cfg.Server.Port > 0 {
		srv = &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
			Handler:           api.NewServer(a.store, d, a.cfg.Server, a.logger, api.WithProxies(a.proxies)).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated", zap.Duration("grace_period", a.cfg.Pool.GracePeriod))
		runErr = d.Stop()
	case <-d.Done():
		runErr = d.Wait()
	case err := <-serveErr:
		a.logger.Error("http server error", zap.Error(err))
		runErr = errors.Join(fmt.Errorf("status server: %w", err), d.Stop())
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	a.logger.Info("worker pool stopped", zap.Error(runErr))
	return runErr
}

// Close releases the sink and the store in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
