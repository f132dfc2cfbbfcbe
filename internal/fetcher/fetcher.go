// Package fetcher selects the session implementation for the configured
// fetch mode and provides the promoting session used by "auto".
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
)

// Mode names a fetch strategy.
type Mode string

// Supported modes.
const (
	ModeColly    Mode = "colly"
	ModeHeadless Mode = "headless"
	// ModeAuto fetches with colly and re-renders in a browser when the page
	// looks script-rendered.
	ModeAuto Mode = "auto"
)

// Promoter decides whether an HTTP response needs a browser render.
type Promoter interface {
	ShouldPromote(resp crawler.FetchResponse) bool
}

// NewFactory returns the session factory for mode.
func NewFactory(
	mode Mode,
	http crawler.SessionFactory,
	browser crawler.SessionFactory,
	promoter Promoter,
	logger *zap.Logger,
) (crawler.SessionFactory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch mode {
	case ModeColly, "":
		if http == nil {
			return nil, fmt.Errorf("colly factory is required")
		}
		return http, nil
	case ModeHeadless:
		if browser == nil {
			return nil, fmt.Errorf("headless factory is required")
		}
		return browser, nil
	case ModeAuto:
		if http == nil || browser == nil || promoter == nil {
			return nil, fmt.Errorf("auto mode needs colly, headless, and a promoter")
		}
		return &promotingFactory{http: http, browser: browser, promoter: promoter, logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown fetch mode %q", mode)
	}
}

type promotingFactory struct {
	http     crawler.SessionFactory
	browser  crawler.SessionFactory
	promoter Promoter
	logger   *zap.Logger
}

func (f *promotingFactory) NewSession(ctx context.Context, p proxy.Record) (crawler.Session, error) {
	primary, err := f.http.NewSession(ctx, p)
	if err != nil {
		return nil, err
	}
	return &promotingSession{factory: f, proxy: p, primary: primary}, nil
}

// promotingSession keeps both sessions on the same proxy; the browser is
// only started the first time a page needs it.
type promotingSession struct {
	factory *promotingFactory
	proxy   proxy.Record
	primary crawler.Session

	mu      sync.Mutex
	browser crawler.Session
}

func (s *promotingSession) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	resp, err := s.primary.Fetch(ctx, request)
	if err != nil || resp.Blocked || !s.factory.promoter.ShouldPromote(resp) {
		return resp, err
	}
	browser, err := s.browserSession(ctx)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	s.factory.logger.Debug("promoting fetch to headless", zap.String("url", request.URL))
	return browser.Fetch(ctx, request)
}

func (s *promotingSession) browserSession(ctx context.Context) (crawler.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browser != nil {
		return s.browser, nil
	}
	browser, err := s.factory.browser.NewSession(ctx, s.proxy)
	if err != nil {
		return nil, fmt.Errorf("start headless session: %w", err)
	}
	s.browser = browser
	return browser, nil
}

func (s *promotingSession) Close() error {
	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	s.mu.Unlock()
	var errs []error
	if err := s.primary.Close(); err != nil {
		errs = append(errs, err)
	}
	if browser != nil {
		if err := browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
