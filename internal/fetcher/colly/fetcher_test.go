package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

func TestFetchReturnsBodyAndHeaders(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	}))
	t.Cleanup(server.Close)

	f := New(Config{})
	resp, err := f.Fetch(context.Background(), archive.FetchRequest{
		URL:     server.URL + "/site.css",
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "body{}", string(resp.Body))
	assert.Equal(t, "text/css", resp.Headers.Get("Content-Type"))
	got := <-seen
	assert.Equal(t, archive.DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "yes", got.Get("X-Trace"))
}

func TestFetchSurfacesErrorStatus(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	f := New(Config{UserAgent: "test-agent"})
	for range 2 {
		// Revisiting the same URL must hit the server again.
		resp, err := f.Fetch(context.Background(), archive.FetchRequest{URL: server.URL})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.False(t, resp.OK())
	}
}

func TestFetchHonorsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(func() {
		close(release)
		server.Close()
	})

	f := New(Config{})
	_, err := f.Fetch(context.Background(), archive.FetchRequest{URL: server.URL, Timeout: 50 * time.Millisecond})
	require.Error(t, err)
}

func TestFetchWaitsOnLimiter(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	limiter := &stubLimiter{}
	f := New(Config{Limiter: limiter})
	_, err := f.Fetch(context.Background(), archive.FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL}, limiter.calls())

	limiter.err = errors.New("closed")
	_, err = f.Fetch(context.Background(), archive.FetchRequest{URL: server.URL})
	require.ErrorContains(t, err, "rate limit wait")
}

func TestFetchHTTPDebugLogs(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	core, logs := observer.New(zap.DebugLevel)
	f := New(Config{HTTPDebug: true, Logger: zap.New(core)})
	_, err := f.Fetch(context.Background(), archive.FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, 1, logs.FilterMessage("http request").Len())
	assert.Equal(t, 1, logs.FilterMessage("http response").Len())
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := archive.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"User-Agent": {"override"}},
	}
	start := time.Unix(0, 0)
	var result archive.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, start, &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{"User-Agent": {"default"}}}
	hooks.onRequest(collyReq)
	assert.Equal(t, []string{"override"}, collyReq.Headers.Values("User-Agent"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	collyReq := &colly.Request{Headers: &http.Header{}}
	f.copyHeaders(archive.FetchRequest{}, collyReq)
	assert.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}

type stubLimiter struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (s *stubLimiter) Wait(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.urls = append(s.urls, url)
	return nil
}

func (s *stubLimiter) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}
