// Package app initializes and holds long-lived services, acting as a
// dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/api"
	"github.com/JakeFAU/wayback-retriever/internal/archive"
	memorycache "github.com/JakeFAU/wayback-retriever/internal/cache/memory"
	rediscache "github.com/JakeFAU/wayback-retriever/internal/cache/redis"
	"github.com/JakeFAU/wayback-retriever/internal/cdx"
	"github.com/JakeFAU/wayback-retriever/internal/clock/system"
	"github.com/JakeFAU/wayback-retriever/internal/config"
	"github.com/JakeFAU/wayback-retriever/internal/discovery"
	collyfetcher "github.com/JakeFAU/wayback-retriever/internal/fetcher/colly"
	"github.com/JakeFAU/wayback-retriever/internal/hash/sha256"
	idgen "github.com/JakeFAU/wayback-retriever/internal/id/uuid"
	pubsubnotify "github.com/JakeFAU/wayback-retriever/internal/notify/pubsub"
	"github.com/JakeFAU/wayback-retriever/internal/pathmap"
	"github.com/JakeFAU/wayback-retriever/internal/policy/ratelimit"
	"github.com/JakeFAU/wayback-retriever/internal/progress"
	progresssinks "github.com/JakeFAU/wayback-retriever/internal/progress/sinks"
	"github.com/JakeFAU/wayback-retriever/internal/report"
	pgreport "github.com/JakeFAU/wayback-retriever/internal/report/postgres"
	gcsstorage "github.com/JakeFAU/wayback-retriever/internal/storage/gcs"
	localstorage "github.com/JakeFAU/wayback-retriever/internal/storage/local"
)

// DefaultOutputParent is the directory derived output roots live under.
const DefaultOutputParent = "wayback-downloads"

// ReportSaver persists finished run reports.
type ReportSaver interface {
	Save(ctx context.Context, r report.Report) error
}

// Option customizes App construction. Mostly used by tests.
type Option func(*options)

type options struct {
	transport   http.RoundTripper
	registerer  prometheus.Registerer
	publisher   archive.Publisher
	reportSaver ReportSaver
	clock       archive.Clock
	ids         archive.IDGenerator
	sinks       []progress.Sink
}

// WithTransport overrides the HTTP transport used for every outbound request.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithRegisterer registers progress collectors on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithPublisher replaces the Pub/Sub publisher.
func WithPublisher(p archive.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithReportSaver replaces the Postgres report store.
func WithReportSaver(s ReportSaver) Option {
	return func(o *options) { o.reportSaver = s }
}

// WithClock overrides the time source.
func WithClock(c archive.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithIDGenerator overrides how run IDs are minted.
func WithIDGenerator(g archive.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithSink adds a progress sink next to the log and Prometheus sinks.
func WithSink(sink progress.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sink) }
}

// App holds the shared services for one CLI invocation.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  archive.Clock
	ids    archive.IDGenerator
	hasher archive.Hasher

	fetcher   *collyfetcher.Fetcher
	index     *cdx.Client
	discovery *discovery.Service
	hub       *progress.Hub
	server    *api.Server

	gcsClient   *storage.Client
	publisher   archive.Publisher
	reportSaver ReportSaver

	closers   []func(context.Context) error
	closeOnce sync.Once
}

// New builds every service cfg enables. It fails fast when a configured
// backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg, logger: logger, clock: o.clock, ids: o.ids, hasher: sha256.New()}
	if a.clock == nil {
		a.clock = system.New()
	}
	if a.ids == nil {
		a.ids = idgen.NewGenerator()
	}

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.RateLimit.RPS, DefaultBurst: cfg.RateLimit.Burst})
	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Archive.UserAgent,
		Timeout:   cfg.Download.Timeout,
		HTTPDebug: cfg.Log.HTTPDebug,
		Logger:    logger,
		Limiter:   limiter,
		Transport: o.transport,
	})

	cache, err := a.buildCache(ctx)
	if err != nil {
		return nil, a.fail(ctx, err)
	}
	a.index, err = cdx.New(cdx.Config{
		Endpoint: cfg.Archive.CDXEndpoint,
		Fetcher:  a.fetcher,
		Cache:    cache,
		Timeout:  cfg.Download.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("init cdx client: %w", err))
	}
	a.discovery = discovery.New(a.index, logger)

	promSink, err := progresssinks.NewPrometheusSink(o.registerer)
	if err != nil {
		return nil, a.fail(ctx, fmt.Errorf("init progress metrics: %w", err))
	}
	sinks := append([]progress.Sink{progresssinks.NewLogSink(logger), promSink}, o.sinks...)
	a.hub = progress.NewHub(progress.Config{Logger: logger}, sinks...)
	a.closers = append(a.closers, a.hub.Close)

	if cfg.Storage.Backend == "gcs" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, a.fail(ctx, fmt.Errorf("create gcs client: %w", err))
		}
		a.gcsClient = client
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
	}

	a.reportSaver = o.reportSaver
	if a.reportSaver == nil && cfg.Report.PostgresDSN != "" {
		store, err := pgreport.New(ctx, pgreport.Config{
			DSN:        cfg.Report.PostgresDSN,
			RunsTable:  cfg.Report.RunsTable,
			TasksTable: cfg.Report.TasksTable,
		})
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, a.fail(ctx, err)
		}
		a.reportSaver = store
		a.closers = append(a.closers, func(context.Context) error { store.Close(); return nil })
	}

	a.publisher = o.publisher
	if a.publisher == nil && cfg.Notify.ProjectID != "" {
		pub, err := pubsubnotify.Dial(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, a.fail(ctx, err)
		}
		a.publisher = pub
		a.closers = append(a.closers, func(context.Context) error { return pub.Close() })
	}

	if cfg.Server.Addr != "" {
		a.server = api.NewServer(logger)
	}

	logger.Info("application services initialized",
		zap.String("cache", cfg.Cache.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("report_postgres", a.reportSaver != nil),
		zap.Bool("notify", a.publisher != nil),
		zap.String("server_addr", cfg.Server.Addr),
	)
	return a, nil
}

func (a *App) buildCache(ctx context.Context) (archive.PageCache, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		c, err := rediscache.New(ctx, rediscache.Config{Addr: a.cfg.Cache.RedisAddr, TTL: a.cfg.Cache.TTL}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("init redis cache: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
		return c, nil
	case "memory", "":
		return memorycache.New(a.cfg.Cache.TTL, a.clock), nil
	default:
		return nil, nil
	}
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Index exposes the CDX client.
func (a *App) Index() *cdx.Client {
	return a.index
}

// Discovery exposes the discovery service.
func (a *App) Discovery() *discovery.Service {
	return a.discovery
}

// Server returns the status server, or nil when disabled.
func (a *App) Server() *api.Server {
	return a.server
}

// StartServer serves the status API in the background until ctx ends.
func (a *App) StartServer(ctx context.Context) {
	if a.server == nil {
		return
	}
	go func() {
		if err := a.server.Serve(ctx, a.cfg.Server.Addr); err != nil {
			a.logger.Error("status server failed", zap.Error(err))
		}
	}()
}

// OutputRoot resolves the directory files for domain are written under.
func (a *App) OutputRoot(domain, override string) string {
	switch {
	case override != "":
		return filepath.Clean(override)
	case a.cfg.Download.OutputDir != "":
		return filepath.Clean(a.cfg.Download.OutputDir)
	default:
		return filepath.Join(DefaultOutputParent, pathmap.DirName(domain))
	}
}

// BlobStore opens the configured store rooted at outputRoot. For GCS the
// root only shapes object names; the bucket prefix comes from config.
func (a *App) BlobStore(outputRoot string) (archive.BlobStore, error) {
	if a.gcsClient != nil {
		store, err := gcsstorage.New(a.gcsClient, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init gcs store: %w", err)
		}
		return store, nil
	}
	store, err := localstorage.New(localstorage.Config{BaseDir: outputRoot})
	if err != nil {
		return nil, fmt.Errorf("init local store: %w", err)
	}
	return store, nil
}

// Close releases every service in reverse construction order.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				a.logger.Warn("close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		_ = a.logger.Sync()
	})
	return errors.Join(errs...)
}

func (a *App) fail(ctx context.Context, err error) error {
	_ = a.Close(ctx)
	return err
}
