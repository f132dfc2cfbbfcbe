// Package headless implements fetch sessions that render pages in headless
// Chrome via chromedp. Each session owns one browser process pinned to one proxy.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
)

// BlockDetector flags CAPTCHA and bot-wall responses.
type BlockDetector interface {
	IsBlocked(resp crawler.FetchResponse) bool
}

// Config controls the behavior of headless sessions.
type Config struct {
	// MaxParallel caps concurrent navigations across all sessions (0 = unlimited).
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Factory creates chromedp sessions.
type Factory struct {
	cfg      Config
	limiter  chan struct{}
	detector BlockDetector
}

var _ crawler.SessionFactory = (*Factory)(nil)

// NewFactory validates cfg; detector may be nil.
func NewFactory(cfg Config, detector BlockDetector) (*Factory, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Factory{cfg: cfg, limiter: limiter, detector: detector}, nil
}

// NewSession prepares a browser bound to p. Chrome starts lazily on the first fetch.
func (f *Factory) NewSession(_ context.Context, p proxy.Record) (crawler.Session, error) {
	server, creds, err := proxyServer(p)
	if err != nil {
		return nil, err
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if server != "" {
		opts = append(opts, chromedp.ProxyServer(server))
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	return &Session{
		factory: f,
		creds:   creds,
		browser: browserCtx,
		cancel: func() {
			browserCancel()
			allocCancel()
		},
	}, nil
}

// Session renders pages in one browser; tabs share its cookies.
type Session struct {
	factory *Factory
	creds   *url.Userinfo
	browser context.Context
	cancel  context.CancelFunc

	mu     sync.Mutex
	closed bool
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (s *Session) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return crawler.FetchResponse{}, crawler.ErrSessionClosed
	}
	if err := s.factory.acquire(ctx); err != nil {
		return crawler.FetchResponse{}, err
	}
	defer s.factory.release()

	tabCtx, tabCancel := chromedp.NewContext(s.browser)
	defer tabCancel()
	tabCtx, cancel := context.WithTimeout(tabCtx, s.factory.cfg.NavigationTimeout)
	defer cancel()
	// Stop navigation when the caller gives up.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)
	if s.creds != nil {
		chromedp.ListenTarget(tabCtx, authResponder(tabCtx, s.creds))
	}

	start := time.Now()
	html, finalURL, err := s.run(tabCtx, request)
	if err != nil {
		return crawler.FetchResponse{}, err
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(request.URL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}
	resp := crawler.FetchResponse{
		URL:        responseURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
	}
	if s.factory.detector != nil {
		resp.Blocked = s.factory.detector.IsBlocked(resp)
	}
	return resp, nil
}

// Close shuts the browser down.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.cancel()
	return nil
}

func (s *Session) run(ctx context.Context, request crawler.FetchRequest) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		s.networkSetupAction(request.Headers),
		chromedp.Navigate(request.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (s *Session) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if s.creds != nil {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if ua := s.factory.cfg.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// authResponder answers proxy auth challenges; Chrome's --proxy-server flag
// cannot carry credentials.
func authResponder(ctx context.Context, creds *url.Userinfo) func(ev any) {
	password, _ := creds.Password()
	return func(ev any) {
		switch e := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				_ = chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID))
			}()
		case *fetch.EventAuthRequired:
			go func() {
				resp := &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: creds.Username(),
					Password: password,
				}
				_ = chromedp.Run(ctx, fetch.ContinueWithAuth(e.RequestID, resp))
			}()
		}
	}
}

// proxyServer splits a proxy record into the credential-free server string
// Chrome accepts and the credentials answered via the fetch domain.
func proxyServer(p proxy.Record) (string, *url.Userinfo, error) {
	u, err := p.URL()
	if err != nil {
		return "", nil, fmt.Errorf("proxy %s: %w", p.Label(), err)
	}
	if u == nil {
		return "", nil, nil
	}
	return u.Scheme + "://" + u.Host, u.User, nil
}

func (f *Factory) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Factory) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
