package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/discovery"
	"github.com/JakeFAU/wayback-retriever/internal/filter"
	"github.com/JakeFAU/wayback-retriever/internal/notify"
	"github.com/JakeFAU/wayback-retriever/internal/progress"
	"github.com/JakeFAU/wayback-retriever/internal/report"
	"github.com/JakeFAU/wayback-retriever/internal/scheduler"
)

// Pipeline failures that end a download before any task is scheduled.
var (
	ErrNoSnapshots     = errors.New("no snapshots found")
	ErrNoAssets        = errors.New("no assets found for this domain")
	ErrNothingSelected = errors.New("no files match the selected content types")
)

// DownloadRequest describes one site download.
type DownloadRequest struct {
	Domain string
	// Timestamp pins the capture; empty picks the newest.
	Timestamp    string
	ContentTypes []filter.Category
	OutputDir    string
	// DryRun stops after planning.
	DryRun bool

	// OnPlan is called once the selection is known, before downloading.
	OnPlan func(Plan)
	// OnPage reports discovery paging.
	OnPage func(page, total int)
	// OnScheduler is called with each scheduler before it runs so callers
	// can poll its progress.
	OnScheduler func(s *scheduler.Scheduler, retryPass bool)
}

// Plan is what a download is about to do.
type Plan struct {
	RunID         uuid.UUID
	Domain        string
	Timestamp     string
	TotalSeen     int
	Assets        int
	Selected      []archive.SnapshotRecord
	Breakdown     []filter.MIMECount
	EstimatedSize int64
	OutputRoot    string
}

// DownloadResult summarizes a finished download.
type DownloadResult struct {
	Plan      Plan
	Report    report.Report
	ReportURI string
	MessageID string
	Retried   int
}

// Download discovers a domain's assets, downloads the selection at one
// timestamp, optionally retries failures, then reports the outcome.
func (a *App) Download(ctx context.Context, req DownloadRequest) (DownloadResult, error) {
	runID, err := a.ids.NewRunID()
	if err != nil {
		return DownloadResult{}, err
	}
	logger := a.logger.With(zap.String("run_id", runID.String()), zap.String("domain", req.Domain))

	plan, err := a.plan(ctx, runID, req)
	if err != nil {
		return DownloadResult{Plan: plan}, err
	}
	if req.OnPlan != nil {
		req.OnPlan(plan)
	}
	if req.DryRun {
		return DownloadResult{Plan: plan}, nil
	}

	store, err := a.BlobStore(plan.OutputRoot)
	if err != nil {
		return DownloadResult{Plan: plan}, err
	}

	started := a.clock.Now()
	first := scheduler.New(a.schedulerConfig(plan.OutputRoot, false), a.fetcher, store, a.schedulerOptions(runID)...)
	first.Add(lo.Map(plan.Selected, func(r archive.SnapshotRecord, _ int) archive.TaskRequest {
		return archive.TaskRequest{URL: r.URL, Timestamp: plan.Timestamp}
	})...)
	a.attach(first, false, req)
	first.Run(ctx)

	tasks := first.Tasks()
	result := DownloadResult{Plan: plan}
	if failed := first.FailedTasks(); a.cfg.Download.RetryFailed && len(failed) > 0 && ctx.Err() == nil {
		logger.Info("retrying failed tasks", zap.Int("count", len(failed)))
		retry := scheduler.RetryFailed(first, a.schedulerConfig(plan.OutputRoot, true), a.schedulerOptions(runID)...)
		a.attach(retry, true, req)
		retry.Run(ctx)
		tasks = report.Merge(tasks, retry.Tasks())
		result.Retried = len(failed)
	}

	summary := report.Summarize(tasks, a.clock.Now().Sub(started))
	result.Report = report.Build(runID, req.Domain, a.clock.Now(), summary, tasks)

	// Persisting the outcome must survive an interrupted run.
	persistCtx := context.WithoutCancel(ctx)
	var errs []error
	if a.cfg.Report.WriteFile {
		uri, err := result.Report.Save(persistCtx, store)
		if err != nil {
			errs = append(errs, err)
		} else {
			result.ReportURI = uri
			logger.Info("report saved", zap.String("uri", uri))
		}
	}
	if a.reportSaver != nil {
		if err := a.reportSaver.Save(persistCtx, result.Report); err != nil {
			errs = append(errs, fmt.Errorf("store report: %w", err))
		}
	}
	if a.publisher != nil {
		id, err := notify.Announce(persistCtx, a.publisher, a.cfg.Notify.Topic, notify.FromReport(result.Report, result.ReportURI))
		if err != nil {
			errs = append(errs, err)
		} else {
			result.MessageID = id
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, fmt.Errorf("download interrupted: %w", err))
	}
	return result, errors.Join(errs...)
}

func (a *App) plan(ctx context.Context, runID uuid.UUID, req DownloadRequest) (Plan, error) {
	plan := Plan{RunID: runID, Domain: req.Domain, Timestamp: req.Timestamp}
	if plan.Timestamp == "" {
		stamps, err := a.discovery.DiscoverTimestamps(ctx, req.Domain)
		if err != nil {
			return plan, err
		}
		if len(stamps) == 0 {
			return plan, fmt.Errorf("%w for %s", ErrNoSnapshots, req.Domain)
		}
		plan.Timestamp = stamps[0].Timestamp
	}

	found, err := a.discovery.DiscoverAll(ctx, req.Domain, discovery.Options{
		From:   a.cfg.Discovery.From,
		To:     a.cfg.Discovery.To,
		Limit:  a.cfg.Discovery.Limit,
		OnPage: a.pageObserver(runID, req),
	})
	if err != nil {
		return plan, err
	}
	plan.TotalSeen = found.TotalSeen
	plan.Assets = len(found.Records)
	if plan.Assets == 0 {
		return plan, ErrNoAssets
	}
	plan.Breakdown = filter.Breakdown(found.Records)

	cats := req.ContentTypes
	if len(cats) == 0 {
		cats = filter.DefaultCategories
	}
	plan.Selected = filter.Apply(found.Records, cats)
	if len(plan.Selected) == 0 {
		return plan, ErrNothingSelected
	}
	plan.EstimatedSize = filter.EstimatedSize(plan.Selected)
	plan.OutputRoot = a.OutputRoot(req.Domain, req.OutputDir)
	return plan, nil
}

func (a *App) pageObserver(runID uuid.UUID, req DownloadRequest) func(page, total int) {
	return func(page, total int) {
		a.hub.Emit(progress.Event{
			RunID: runID,
			TS:    a.clock.Now().UTC(),
			Stage: progress.StageIndexPage,
			Site:  req.Domain,
			Note:  fmt.Sprintf("page %d/%d", page, total),
		})
		if req.OnPage != nil {
			req.OnPage(page, total)
		}
	}
}

func (a *App) schedulerConfig(outputRoot string, retryPass bool) scheduler.Config {
	cfg := scheduler.Config{
		OutputRoot:    outputRoot,
		Concurrency:   a.cfg.Download.Concurrency,
		RetryAttempts: a.cfg.Download.RetryAttempts,
		Timeout:       a.cfg.Download.Timeout,
		UserAgent:     a.cfg.Archive.UserAgent,
		BackoffBase:   a.cfg.Download.BackoffBase,
		ArchiveHost:   a.cfg.Archive.Host,
	}
	if retryPass {
		cfg.RetryAttempts = a.cfg.Download.RetryPassAttempts
		cfg.Timeout = a.cfg.Download.RetryPassTimeout
	}
	return cfg
}

func (a *App) schedulerOptions(runID uuid.UUID) []scheduler.Option {
	return []scheduler.Option{
		scheduler.WithRunID(runID),
		scheduler.WithLogger(a.logger),
		scheduler.WithEmitter(a.hub),
		scheduler.WithClock(a.clock),
		scheduler.WithHasher(a.hasher),
	}
}

func (a *App) attach(s *scheduler.Scheduler, retryPass bool, req DownloadRequest) {
	if a.server != nil {
		a.server.SetSource(s)
	}
	if req.OnScheduler != nil {
		req.OnScheduler(s, retryPass)
	}
}
