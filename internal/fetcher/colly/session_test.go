package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
)

type markerDetector struct{}

func (markerDetector) IsBlocked(resp crawler.FetchResponse) bool {
	return resp.StatusCode == http.StatusTooManyRequests
}

func TestSessionFetchDirect(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") != "yes" {
			t.Errorf("expected header propagation, got %q", r.Header.Get("X-Trace"))
		}
		switch r.URL.Path {
		case "/missing":
			http.NotFound(w, r)
		case "/slow-down":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte("<html><body>listing</body></html>"))
		}
	}))
	defer srv.Close()

	sess, err := NewFactory(Config{UserAgent: "test-agent", Timeout: time.Second}, markerDetector{}).
		NewSession(context.Background(), proxy.Direct)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer sess.Close() //nolint:errcheck

	headers := http.Header{"X-Trace": {"yes"}}
	resp, err := sess.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/p1", Headers: headers})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK || string(resp.Body) != "<html><body>listing</body></html>" || resp.Blocked {
		t.Fatalf("unexpected response: %+v", resp)
	}

	// Revisiting the same URL is allowed within a session.
	if _, err := sess.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/p1", Headers: headers}); err != nil {
		t.Fatalf("revisit error = %v", err)
	}

	resp, err = sess.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/missing", Headers: headers})
	if err != nil {
		t.Fatalf("404 should not be an error, got %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	resp, err = sess.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL + "/slow-down", Headers: headers})
	if err != nil {
		t.Fatalf("429 should not be an error, got %v", err)
	}
	if !resp.Blocked {
		t.Fatal("expected detector to flag the response as blocked")
	}
}

func TestSessionRoutesThroughProxy(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Host != "listings.invalid" {
			t.Errorf("expected absolute-form request for listings.invalid, got %q", r.URL.String())
		}
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxySrv.Close()

	u, err := url.Parse(proxySrv.URL)
	if err != nil {
		t.Fatalf("parse proxy url: %v", err)
	}
	sess, err := NewFactory(Config{Timeout: time.Second}, nil).
		NewSession(context.Background(), proxy.Record{ID: 1, Address: "http://" + u.Host})
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	defer sess.Close() //nolint:errcheck

	resp, err := sess.Fetch(context.Background(), crawler.FetchRequest{URL: "http://listings.invalid/p1"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if string(resp.Body) != "via proxy" || hits.Load() != 1 {
		t.Fatalf("expected proxied response, got %q (hits=%d)", resp.Body, hits.Load())
	}
}

func TestSessionClosed(t *testing.T) {
	t.Parallel()

	sess, err := NewFactory(Config{}, nil).NewSession(context.Background(), proxy.Direct)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	_, err = sess.Fetch(context.Background(), crawler.FetchRequest{URL: "http://example.invalid"})
	if !errors.Is(err, crawler.ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	hooks := &stubHooks{}
	configureCollectorHooks(hooks, crawler.FetchRequest{Headers: http.Header{"X-Trace": {"yes"}}}, time.Unix(0, 0), &result, &fetchErr)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected header propagation, got %+v", collyReq.Headers)
	}

	target, _ := url.Parse("https://example.com/p2")
	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusGone,
		Body:       []byte("gone"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: target},
	})
	if result.StatusCode != http.StatusGone || result.URL != "https://example.com/p2" {
		t.Fatalf("unexpected result: %+v", result)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
