package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/metrics"
	"github.com/JakeFAU/listing-crawler/internal/store"
)

// yieldTimeout bounds the best-effort yield issued after a hard stop.
const yieldTimeout = 5 * time.Second

// run is the state of one claimed target while it is being paginated.
type run struct {
	w     *Worker
	t     store.Target
	log   *zap.Logger
	lease *leaseTicker
	page  int
	token string
}

func (r *run) paginate(ctx context.Context) error {
	w := r.w
	for {
		if ctx.Err() != nil {
			return r.hardStop()
		}
		if r.lease.lost.Load() {
			return r.abandon(store.ErrLeaseLost)
		}
		if r.t.MaxPages > 0 && r.page > r.t.MaxPages {
			return r.complete(ctx, store.StatusDone, store.NoteMaxPages)
		}

		pageURL := r.token
		if pageURL == "" {
			var err error
			pageURL, err = w.deps.URLs.PageURL(r.t, r.page)
			if err != nil {
				return r.fail(ctx, fmt.Errorf("build page url: %w", err))
			}
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return r.hardStop()
		}
		if err := w.storeCall(ctx, func(ctx context.Context) error {
			return w.deps.Store.RecordIntent(ctx, r.t.ID, w.cfg.ID, r.page, pageURL, w.deps.Clock.Now())
		}); err != nil {
			return r.storeError(ctx, "record intent", err)
		}

		resp, err := w.session.Fetch(ctx, crawler.FetchRequest{URL: pageURL, Headers: w.cfg.Headers})
		if err != nil {
			if ctx.Err() != nil {
				return r.hardStop()
			}
			metrics.ObservePage("error")
			w.limiter.RecordFailure()
			return r.proxyFailure(ctx, fmt.Errorf("fetch page %d: %w", r.page, err))
		}

		switch {
		case resp.Blocked:
			metrics.ObservePage("blocked")
			cooldown := w.limiter.RecordBlock()
			if cooldown > 0 {
				w.cooldownUntil = w.deps.Clock.Now().Add(cooldown)
			}
			r.log.Warn("page blocked",
				zap.Int("page", r.page),
				zap.String("proxy", w.proxy.Label()),
				zap.Int("consecutive_blocks", w.limiter.ConsecutiveBlocks()),
				zap.Duration("delay", w.limiter.Delay()),
				zap.Duration("cooldown", cooldown),
			)
			return r.proxyFailure(ctx, fmt.Errorf("page %d: %w", r.page, crawler.ErrBlocked))
		case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
			metrics.ObservePage("not_found")
			w.limiter.RecordSuccess()
			w.deps.Proxies.ReportSuccess(w.proxy)
			if r.page == 1 {
				return r.complete(ctx, store.StatusParked, store.NoteNotFound)
			}
			return r.complete(ctx, store.StatusDone, store.NoteExhausted)
		case resp.StatusCode >= http.StatusInternalServerError:
			metrics.ObservePage("error")
			w.limiter.RecordFailure()
			return r.proxyFailure(ctx, fmt.Errorf("page %d: upstream status %d", r.page, resp.StatusCode))
		case resp.StatusCode >= http.StatusBadRequest:
			metrics.ObservePage("error")
			w.limiter.RecordFailure()
			return r.fail(ctx, fmt.Errorf("page %d: status %d", r.page, resp.StatusCode))
		}
		metrics.ObservePage("ok")
		w.limiter.RecordSuccess()
		w.deps.Proxies.ReportSuccess(w.proxy)

		page, err := r.extract(resp)
		if err != nil {
			return r.fail(ctx, fmt.Errorf("extract page %d: %w", r.page, err))
		}

		if r.page == 1 && len(page.Records) == 0 {
			if err := r.checkpoint(ctx, store.Cursor{Page: 1}, 0); err != nil {
				return r.checkpointFailed(ctx, err)
			}
			return r.complete(ctx, store.StatusDone, store.NoteNoResultsFirstPage)
		}

		var saved int
		if err := w.storeCall(ctx, func(ctx context.Context) error {
			var err error
			saved, err = w.deps.Sink.Save(ctx, page.Records)
			return err
		}); err != nil {
			if ctx.Err() != nil {
				return r.hardStop()
			}
			return r.fail(ctx, fmt.Errorf("save page %d: %w", r.page, err))
		}
		metrics.ObserveRecords(r.t.PartitionKey, saved)

		cursor := store.Cursor{Page: r.page}
		if page.HasMore {
			cursor.ResumeToken = page.NextURL
		}
		if err := r.checkpoint(ctx, cursor, len(page.Records)); err != nil {
			return r.checkpointFailed(ctx, err)
		}
		if err := w.storeCall(ctx, func(ctx context.Context) error {
			return w.deps.Store.Heartbeat(ctx, r.t.ID, w.cfg.ID, w.deps.Clock.Now())
		}); err != nil {
			switch {
			case leaseGone(err):
				return r.abandon(err)
			case ctx.Err() != nil:
				return r.hardStop()
			}
			// The lease ticker or the next page renews it.
			r.log.Warn("page heartbeat failed", zap.Int("page", r.page), zap.Error(err))
		}
		r.log.Debug("page committed",
			zap.Int("page", r.page),
			zap.Int("records", len(page.Records)),
			zap.Int("saved", saved),
			zap.Bool("has_more", page.HasMore),
		)

		switch {
		case !page.HasMore:
			return r.complete(ctx, store.StatusDone, store.NoteExhausted)
		case r.t.MaxPages > 0 && r.page >= r.t.MaxPages:
			return r.complete(ctx, store.StatusDone, store.NoteMaxPages)
		case w.draining():
			return r.yield(ctx)
		}
		r.page++
		r.token = page.NextURL
	}
}

// extract runs the extractor, turning a panic on malformed markup into an
// error so it is recorded against the target like any parse failure.
func (r *run) extract(resp crawler.FetchResponse) (page crawler.Page, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("extractor panic: %v", p)
		}
	}()
	return r.w.deps.Extractor.Extract(r.t, r.page, resp)
}

func (r *run) checkpoint(ctx context.Context, cursor store.Cursor, records int) error {
	w := r.w
	return w.storeCall(ctx, func(ctx context.Context) error {
		return w.deps.Store.Checkpoint(ctx, r.t.ID, w.cfg.ID, cursor, records, w.deps.Clock.Now())
	})
}

// checkpointFailed handles a checkpoint that did not land after retries.
// The page is retried on a later claim, so the attempt is recorded instead
// of stopping the worker.
func (r *run) checkpointFailed(ctx context.Context, err error) error {
	switch {
	case leaseGone(err), errors.Is(err, store.ErrInvalidTransition):
		return r.abandon(err)
	case ctx.Err() != nil:
		return r.hardStop()
	}
	r.log.Error("checkpoint failed", zap.Int("page", r.page), zap.Error(err))
	if failErr := r.fail(ctx, fmt.Errorf("checkpoint page %d: %w", r.page, err)); failErr != nil {
		// Left IN_PROGRESS; the reclaim sweep requeues it once the lease is stale.
		return r.abandon(failErr)
	}
	return nil
}

func (r *run) complete(ctx context.Context, status store.Status, note string) error {
	w := r.w
	outcome := store.Outcome{Status: status, Note: note}
	if err := w.storeCall(ctx, func(ctx context.Context) error {
		return w.deps.Store.Complete(ctx, r.t.ID, w.cfg.ID, outcome, w.deps.Clock.Now())
	}); err != nil {
		return r.storeError(ctx, "complete", err)
	}
	metrics.ObserveCompletion(string(status))
	r.log.Info("target finished", zap.String("status", string(status)), zap.String("note", note), zap.Int("page", r.page))
	return nil
}

// fail records a failed attempt; the store decides between a retry and FAILED.
func (r *run) fail(ctx context.Context, cause error) error {
	w := r.w
	var status store.Status
	if err := w.storeCall(ctx, func(ctx context.Context) error {
		var err error
		status, err = w.deps.Store.Fail(ctx, r.t.ID, w.cfg.ID, cause.Error(), w.cfg.Retry.MaxAttempts, w.deps.Clock.Now())
		return err
	}); err != nil {
		return r.storeError(ctx, "fail", err)
	}
	metrics.ObserveCompletion(string(status))
	r.log.Warn("target attempt failed",
		zap.Error(cause),
		zap.String("status", string(status)),
		zap.Int("attempt", r.t.Attempts+1),
		zap.Int("page", r.page),
	)
	return nil
}

// proxyFailure charges the failure to the proxy, fails the attempt, and
// moves to a fresh proxy when the current one was blacklisted.
func (r *run) proxyFailure(ctx context.Context, cause error) error {
	blacklisted := r.w.deps.Proxies.ReportFailure(r.w.proxy)
	if err := r.fail(ctx, cause); err != nil {
		return err
	}
	if !blacklisted {
		return nil
	}
	return r.w.swapProxy(ctx)
}

func (r *run) yield(ctx context.Context) error {
	w := r.w
	if err := w.storeCall(ctx, func(ctx context.Context) error {
		return w.deps.Store.Yield(ctx, r.t.ID, w.cfg.ID, w.deps.Clock.Now())
	}); err != nil {
		return r.storeError(ctx, "yield", err)
	}
	metrics.ObserveCompletion(string(store.StatusPlanned))
	r.log.Info("target yielded", zap.Int("page", r.page))
	return nil
}

// hardStop hands the target back after cancellation. If the yield does not
// land the lease goes stale and the reclaimer requeues it.
func (r *run) hardStop() error {
	w := r.w
	ctx, cancel := context.WithTimeout(context.Background(), yieldTimeout)
	defer cancel()
	if err := w.deps.Store.Yield(ctx, r.t.ID, w.cfg.ID, w.deps.Clock.Now()); err != nil {
		r.log.Warn("yield after stop failed", zap.Error(err))
		return nil
	}
	r.log.Info("target yielded on stop", zap.Int("page", r.page))
	return nil
}

func (r *run) abandon(err error) error {
	r.log.Warn("abandoning target", zap.Error(err), zap.Int("page", r.page))
	return nil
}

// storeError sorts a store failure into an abandoned lease, a stop, or a
// fatal error for the supervisor.
func (r *run) storeError(ctx context.Context, op string, err error) error {
	switch {
	case leaseGone(err), errors.Is(err, store.ErrInvalidTransition):
		return r.abandon(err)
	case ctx.Err() != nil:
		return r.hardStop()
	default:
		return fmt.Errorf("%s target %d: %w", op, r.t.ID, err)
	}
}

func leaseGone(err error) bool {
	return errors.Is(err, store.ErrLeaseLost) || errors.Is(err, store.ErrNotFound)
}

func (w *Worker) storeCall(ctx context.Context, op func(context.Context) error) error {
	return w.cfg.Retry.RetryStore(ctx, op)
}
