// Package scheduler downloads archived resources with a fixed pool of workers,
// per-task retries, and live progress accounting.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/clock/system"
	"github.com/JakeFAU/wayback-retriever/internal/metrics"
	"github.com/JakeFAU/wayback-retriever/internal/pathmap"
	"github.com/JakeFAU/wayback-retriever/internal/progress"
)

// ErrHTTPStatus marks an attempt that received a non-2xx response.
var ErrHTTPStatus = errors.New("unexpected http status")

const (
	defaultConcurrency   = 5
	defaultRetryAttempts = 3
	defaultTimeout       = 30 * time.Second
	defaultBackoffBase   = time.Second
)

// Config controls a scheduler run.
type Config struct {
	OutputRoot    string
	Concurrency   int
	RetryAttempts int
	// Timeout bounds the fetch of each attempt. The write that follows is
	// bounded only by the run context.
	Timeout   time.Duration
	UserAgent string
	// BackoffBase is multiplied by 2^attempt between attempts.
	BackoffBase time.Duration
	ArchiveHost string
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = defaultConcurrency
	}
	if c.RetryAttempts < 1 {
		c.RetryAttempts = defaultRetryAttempts
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.UserAgent == "" {
		c.UserAgent = archive.DefaultUserAgent
	}
	if c.ArchiveHost == "" {
		c.ArchiveHost = archive.DefaultHost
	}
	return c
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEmitter routes progress events to e.
func WithEmitter(e progress.Emitter) Option {
	return func(s *Scheduler) {
		if e != nil {
			s.emitter = e
		}
	}
}

// WithClock overrides the time source used for elapsed time.
func WithClock(c archive.Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithRunID fixes the run identifier carried by progress events.
func WithRunID(id uuid.UUID) Option {
	return func(s *Scheduler) {
		s.runID = id
	}
}

// WithHasher records a content digest for every written file.
func WithHasher(h archive.Hasher) Option {
	return func(s *Scheduler) {
		s.hasher = h
	}
}

// WithClaimHook registers fn to be called each time a worker takes a task
// off the queue, with the task's index.
func WithClaimHook(fn func(index int)) Option {
	return func(s *Scheduler) {
		s.claimHook = fn
	}
}

// Scheduler owns a list of download tasks and drives them to a terminal state.
type Scheduler struct {
	cfg       Config
	fetcher   archive.Fetcher
	store     archive.BlobStore
	logger    *zap.Logger
	emitter   progress.Emitter
	clock     archive.Clock
	runID     uuid.UUID
	hasher    archive.Hasher
	claimHook func(index int)

	mu        sync.Mutex
	tasks     []archive.DownloadTask
	completed int
	failed    int
	bytes     int64
	started   time.Time
	elapsed   time.Duration
	running   bool
}

// New builds a Scheduler. Files are written through store under keys
// relative to cfg.OutputRoot.
func New(cfg Config, fetcher archive.Fetcher, store archive.BlobStore, opts ...Option) *Scheduler {
	runID, err := uuid.NewV7()
	if err != nil {
		runID = uuid.New()
	}
	s := &Scheduler{
		cfg:     cfg.withDefaults(),
		fetcher: fetcher,
		store:   store,
		logger:  zap.NewNop(),
		emitter: progress.Discard,
		clock:   system.New(),
		runID:   runID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("scheduler").With(zap.String("run_id", s.runID.String()))
	return s
}

// RetryFailed builds a fresh scheduler over the failed tasks of prev, sharing
// its fetcher and store.
func RetryFailed(prev *Scheduler, cfg Config, opts ...Option) *Scheduler {
	next := New(cfg, prev.fetcher, prev.store, opts...)
	next.Add(lo.Map(prev.FailedTasks(), func(t archive.DownloadTask, _ int) archive.TaskRequest {
		return t.Request()
	})...)
	return next
}

// RunID returns the identifier of this scheduler's run.
func (s *Scheduler) RunID() uuid.UUID {
	return s.runID
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// Add appends pending tasks. Tasks added while Run is in progress wait for
// the next Run call.
func (s *Scheduler) Add(reqs ...archive.TaskRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range reqs {
		s.tasks = append(s.tasks, archive.DownloadTask{
			SourceURL: r.URL,
			Timestamp: r.Timestamp,
			LocalPath: pathmap.Map(r.URL, s.cfg.OutputRoot),
			State:     archive.TaskPending,
		})
	}
}

// Tasks returns a copy of every task.
func (s *Scheduler) Tasks() []archive.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]archive.DownloadTask(nil), s.tasks...)
}

// FailedTasks returns a copy of the tasks that ended in the failed state.
func (s *Scheduler) FailedTasks() []archive.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Filter(s.tasks, func(t archive.DownloadTask, _ int) bool {
		return t.State == archive.TaskFailed
	})
}

// Progress returns a consistent snapshot of the counters. Safe to poll while
// Run is in progress.
func (s *Scheduler) Progress() archive.Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progressLocked()
}

func (s *Scheduler) progressLocked() archive.Progress {
	elapsed := s.elapsed
	if s.running {
		elapsed = s.clock.Now().Sub(s.started)
	}
	p := archive.Progress{
		Total:     len(s.tasks),
		Completed: s.completed,
		Failed:    s.failed,
		Bytes:     s.bytes,
		Elapsed:   elapsed,
	}
	if secs := elapsed.Seconds(); secs > 0 {
		p.Throughput = float64(s.bytes) / secs
	}
	return p
}

// Run processes every pending task and returns once all of them are settled.
// Cancelling ctx stops new attempts; tasks that never ran settle as failed
// with the context error.
func (s *Scheduler) Run(ctx context.Context) archive.Progress {
	s.mu.Lock()
	pending := make([]int, 0, len(s.tasks))
	for i, t := range s.tasks {
		if t.State == archive.TaskPending {
			pending = append(pending, i)
		}
	}
	s.started = s.clock.Now()
	s.running = true
	s.mu.Unlock()

	s.emit(progress.Event{Stage: progress.StageRunStart, Note: fmt.Sprintf("%d tasks", len(pending))})
	s.logger.Info("run started",
		zap.Int("tasks", len(pending)),
		zap.Int("concurrency", s.cfg.Concurrency),
		zap.Int("retry_attempts", s.cfg.RetryAttempts),
	)

	queue := make(chan int, len(pending))
	for _, idx := range pending {
		queue <- idx
	}
	close(queue)

	var g errgroup.Group
	for range min(s.cfg.Concurrency, len(pending)) {
		g.Go(func() error {
			return s.work(ctx, queue)
		})
	}
	if err := g.Wait(); err != nil {
		s.logger.Warn("run interrupted", zap.Error(err))
	}

	s.mu.Lock()
	s.elapsed = s.clock.Now().Sub(s.started)
	s.running = false
	final := s.progressLocked()
	s.mu.Unlock()

	s.emit(progress.Event{Stage: progress.StageRunDone, Bytes: final.Bytes, Dur: final.Elapsed})
	s.logger.Info("run finished",
		zap.Int("completed", final.Completed),
		zap.Int("failed", final.Failed),
		zap.Int64("bytes", final.Bytes),
		zap.Duration("elapsed", final.Elapsed),
	)
	return final
}

// work drains queue and reports the context error if the run was cut short.
func (s *Scheduler) work(ctx context.Context, queue <-chan int) error {
	for idx := range queue {
		if s.claimHook != nil {
			s.claimHook(idx)
		}
		if err := ctx.Err(); err != nil {
			s.settle(idx, 0, written{}, fmt.Errorf("not attempted: %w", err), 0)
			continue
		}
		s.process(ctx, idx)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}
	return nil
}

func (s *Scheduler) process(ctx context.Context, idx int) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	task := s.markInFlight(idx)
	start := s.clock.Now()
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.cfg.RetryAttempts; attempt++ {
		attempts = attempt
		w, status, err := s.attempt(ctx, task)
		if err == nil {
			metrics.ObserveAttempt("success")
			s.settle(idx, attempt, w, nil, s.clock.Now().Sub(start))
			return
		}
		lastErr = err
		metrics.ObserveAttempt("failure")
		if ctx.Err() != nil || attempt == s.cfg.RetryAttempts {
			break
		}

		wait := s.backoff(attempt)
		s.logger.Debug("attempt failed, retrying",
			zap.String("url", task.SourceURL),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		s.emit(progress.Event{
			Stage:       progress.StageTaskRetry,
			URL:         task.SourceURL,
			Site:        metrics.SanitizeSite(task.SourceURL),
			Attempt:     attempt,
			StatusClass: progress.ClassifyStatus(status),
			Note:        err.Error(),
		})
		if err := sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}
	s.settle(idx, attempts, written{}, lastErr, s.clock.Now().Sub(start))
}

// written describes a file stored by a successful attempt.
type written struct {
	bytes  int64
	digest string
}

// attempt performs one fetch-and-write. The returned status is zero when no
// response arrived.
func (s *Scheduler) attempt(ctx context.Context, task archive.DownloadTask) (written, int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	rawURL := archive.RawContentURL(s.cfg.ArchiveHost, task.SourceURL, task.Timestamp)
	resp, err := s.fetcher.Fetch(fetchCtx, archive.FetchRequest{
		URL:     rawURL,
		Headers: http.Header{"User-Agent": {s.cfg.UserAgent}},
		Timeout: s.cfg.Timeout,
	})
	cancel()
	if err != nil {
		return written{}, 0, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	if !resp.OK() {
		return written{}, resp.StatusCode, fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	key := pathmap.Relative(task.LocalPath, s.cfg.OutputRoot)
	if _, err := s.store.PutObject(ctx, key, resp.Headers.Get("Content-Type"), bytes.NewReader(resp.Body)); err != nil {
		return written{}, resp.StatusCode, fmt.Errorf("write %s: %w", key, err)
	}
	w := written{bytes: int64(len(resp.Body))}
	if s.hasher != nil {
		digest, err := s.hasher.Hash(resp.Body)
		if err != nil {
			s.logger.Warn("hash failed", zap.String("url", task.SourceURL), zap.Error(err))
		}
		w.digest = digest
	}
	return w, resp.StatusCode, nil
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	return s.cfg.BackoffBase * time.Duration(1<<attempt)
}

func (s *Scheduler) markInFlight(idx int) archive.DownloadTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[idx].State = archive.TaskInFlight
	return s.tasks[idx]
}

// settle moves a task to its terminal state and updates the counters under
// one lock so Completed+Failed never exceeds Total.
func (s *Scheduler) settle(idx, attempts int, w written, err error, dur time.Duration) {
	s.mu.Lock()
	task := &s.tasks[idx]
	task.Attempts = attempts
	if err == nil {
		task.State = archive.TaskCompleted
		task.BytesWritten = w.bytes
		task.SHA256 = w.digest
		task.LastError = ""
		s.completed++
		s.bytes += w.bytes
	} else {
		task.State = archive.TaskFailed
		task.LastError = err.Error()
		s.failed++
	}
	settled := *task
	s.mu.Unlock()

	site := metrics.SanitizeSite(settled.SourceURL)
	metrics.ObserveDownload(site, string(settled.State), settled.BytesWritten)
	evt := progress.Event{
		URL:     settled.SourceURL,
		Site:    site,
		Attempt: max(attempts, 1),
		Dur:     dur,
	}
	if err == nil {
		evt.Stage = progress.StageTaskDone
		evt.Bytes = w.bytes
		evt.StatusClass = progress.Status2xx
	} else {
		evt.Stage = progress.StageTaskFailed
		evt.Note = settled.LastError
		s.logger.Warn("task failed",
			zap.String("url", settled.SourceURL),
			zap.Int("attempts", attempts),
			zap.String("error", settled.LastError),
		)
	}
	s.emit(evt)
}

func (s *Scheduler) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(s.runID)
	evt.TS = s.clock.Now()
	s.emitter.Emit(evt)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
