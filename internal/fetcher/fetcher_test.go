package fetcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listing-crawler/internal/crawler"
	"github.com/JakeFAU/listing-crawler/internal/proxy"
)

type stubSession struct {
	name   string
	body   string
	calls  int
	closed bool
}

func (s *stubSession) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.calls++
	return crawler.FetchResponse{URL: req.URL, StatusCode: 200, Body: []byte(s.body)}, nil
}

func (s *stubSession) Close() error {
	s.closed = true
	return nil
}

type stubFactory struct {
	session *stubSession
	proxies []proxy.Record
}

func (f *stubFactory) NewSession(_ context.Context, p proxy.Record) (crawler.Session, error) {
	f.proxies = append(f.proxies, p)
	return f.session, nil
}

type bodyPromoter struct{ trigger string }

func (p bodyPromoter) ShouldPromote(resp crawler.FetchResponse) bool {
	return string(resp.Body) == p.trigger
}

func TestNewFactoryModes(t *testing.T) {
	t.Parallel()

	http := &stubFactory{session: &stubSession{}}
	browser := &stubFactory{session: &stubSession{}}

	got, err := NewFactory(ModeColly, http, browser, nil, nil)
	require.NoError(t, err)
	require.Same(t, http, got)

	got, err = NewFactory(ModeHeadless, http, browser, nil, nil)
	require.NoError(t, err)
	require.Same(t, browser, got)

	_, err = NewFactory(ModeAuto, http, browser, nil, nil)
	require.Error(t, err)

	_, err = NewFactory("bogus", http, browser, nil, nil)
	require.Error(t, err)
}

func TestAutoModePromotesShellPages(t *testing.T) {
	t.Parallel()

	primary := &stubSession{body: "shell"}
	rendered := &stubSession{body: "rendered"}
	httpF := &stubFactory{session: primary}
	browserF := &stubFactory{session: rendered}

	factory, err := NewFactory(ModeAuto, httpF, browserF, bodyPromoter{trigger: "shell"}, nil)
	require.NoError(t, err)

	p := proxy.Record{ID: 3, Address: "http://10.0.0.3:8080"}
	sess, err := factory.NewSession(context.Background(), p)
	require.NoError(t, err)
	require.Empty(t, browserF.proxies, "browser must start lazily")

	resp, err := sess.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com/p1"})
	require.NoError(t, err)
	require.Equal(t, "rendered", string(resp.Body))
	require.Equal(t, []proxy.Record{p}, browserF.proxies, "browser must use the same proxy")

	primary.body = "static"
	resp, err = sess.Fetch(context.Background(), crawler.FetchRequest{URL: "https://example.com/p2"})
	require.NoError(t, err)
	require.Equal(t, "static", string(resp.Body))
	require.Equal(t, 1, rendered.calls)
	require.Len(t, browserF.proxies, 1)

	require.NoError(t, sess.Close())
	require.True(t, primary.closed)
	require.True(t, rendered.closed)
}
