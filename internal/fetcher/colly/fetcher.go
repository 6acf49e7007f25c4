// Package collyfetcher implements archive.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/motemen/go-loghttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
)

const defaultTimeout = 30 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds a fetch when the request does not carry its own.
	Timeout time.Duration
	// HTTPDebug logs every request and response at debug level.
	HTTPDebug bool
	Logger    *zap.Logger
	// Limiter, when set, is waited on before each request.
	Limiter archive.Limiter
	// Transport overrides the pooled default transport. Used by tests.
	Transport http.RoundTripper
}

// Fetcher implements archive.Fetcher using the Colly collector. Every HTTP
// status is surfaced as a response; only transport failures become errors.
type Fetcher struct {
	cfg           Config
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = archive.DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("fetcher")

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(0),
		colly.ParseHTTPErrorResponse(),
		colly.UserAgent(cfg.UserAgent),
	)
	// Per-request deadlines travel on the collector context; the client
	// timeout is left unbounded so long downloads are not cut short.
	c.SetRequestTimeout(0)

	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	if cfg.HTTPDebug {
		transport = newLoggingTransport(transport, logger)
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		logger:        logger,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, request archive.FetchRequest) (archive.FetchResponse, error) {
	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, request.URL); err != nil {
			return archive.FetchResponse{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	timeout := request.Timeout
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		result   archive.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, request, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		return archive.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	request archive.FetchRequest,
	start time.Time,
	result *archive.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.Context = ctx

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request archive.FetchRequest,
	start time.Time,
	result *archive.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(request, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = archive.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func (f *Fetcher) copyHeaders(request archive.FetchRequest, r *colly.Request) {
	if request.Headers == nil || r.Headers == nil {
		return
	}
	for key, values := range request.Headers {
		r.Headers.Del(key)
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newLoggingTransport(base http.RoundTripper, logger *zap.Logger) *loghttp.Transport {
	return &loghttp.Transport{
		Transport: base,
		LogRequest: func(req *http.Request) {
			logger.Debug("http request",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
			)
		},
		LogResponse: func(resp *http.Response) {
			logger.Debug("http response",
				zap.String("method", resp.Request.Method),
				zap.String("url", resp.Request.URL.String()),
				zap.Int("status_code", resp.StatusCode),
				zap.Int64("content_length", resp.ContentLength),
			)
		},
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
