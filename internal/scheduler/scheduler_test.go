package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/wayback-retriever/internal/archive"
	"github.com/JakeFAU/wayback-retriever/internal/hash/sha256"
	"github.com/JakeFAU/wayback-retriever/internal/pathmap"
	"github.com/JakeFAU/wayback-retriever/internal/progress"
	"github.com/JakeFAU/wayback-retriever/internal/scheduler"
	"github.com/JakeFAU/wayback-retriever/internal/storage/local"
	"github.com/JakeFAU/wayback-retriever/internal/storage/memory"
)

type result struct {
	status int
	body   string
	err    error
}

// scriptedFetcher replays a per-URL script of results; the last entry repeats.
type scriptedFetcher struct {
	mu       sync.Mutex
	scripts  map[string][]result
	calls    map[string]int
	requests []archive.FetchRequest
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{scripts: map[string][]result{}, calls: map[string]int{}}
}

func (f *scriptedFetcher) script(sourceURL, ts string, results ...result) {
	f.scripts[archive.RawContentURL("", sourceURL, ts)] = results
}

func (f *scriptedFetcher) Fetch(ctx context.Context, req archive.FetchRequest) (archive.FetchResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		peak := f.peak.Load()
		if n <= peak || f.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return archive.FetchResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	script := f.scripts[req.URL]
	i := f.calls[req.URL]
	f.calls[req.URL]++
	f.mu.Unlock()

	if len(script) == 0 {
		return archive.FetchResponse{StatusCode: http.StatusOK, Body: []byte("ok")}, nil
	}
	r := script[min(i, len(script)-1)]
	if r.err != nil {
		return archive.FetchResponse{}, r.err
	}
	return archive.FetchResponse{StatusCode: r.status, Body: []byte(r.body)}, nil
}

func (f *scriptedFetcher) callsFor(sourceURL, ts string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[archive.RawContentURL("", sourceURL, ts)]
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Stage)
	}
	return out
}

func fastConfig(root string) scheduler.Config {
	return scheduler.Config{
		OutputRoot:    root,
		Concurrency:   3,
		RetryAttempts: 3,
		Timeout:       time.Second,
		BackoffBase:   time.Millisecond,
	}
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.script("https://example.com/", "20200101000000",
		result{status: http.StatusServiceUnavailable},
		result{err: errors.New("connection reset")},
		result{status: http.StatusOK, body: "<html></html>"},
	)
	store := memory.NewBlobStore()
	s := scheduler.New(fastConfig("/out"), f, store)
	s.Add(archive.TaskRequest{URL: "https://example.com/", Timestamp: "20200101000000"})

	p := s.Run(context.Background())

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, archive.TaskCompleted, tasks[0].State)
	assert.Empty(t, tasks[0].LastError)
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Equal(t, int64(len("<html></html>")), tasks[0].BytesWritten)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 0, p.Failed)

	got, ok := store.Get("example.com/index.html")
	require.True(t, ok)
	assert.Equal(t, "<html></html>", string(got))
}

func TestAllAttemptsFail(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.script("https://example.com/a.css", "20200101000000",
		result{err: errors.New("attempt 1 refused")},
		result{err: errors.New("attempt 2 refused")},
		result{status: http.StatusNotFound},
	)
	s := scheduler.New(fastConfig("/out"), f, memory.NewBlobStore())
	s.Add(archive.TaskRequest{URL: "https://example.com/a.css", Timestamp: "20200101000000"})

	p := s.Run(context.Background())

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, archive.TaskFailed, tasks[0].State)
	assert.Contains(t, tasks[0].LastError, "404")
	assert.NotContains(t, tasks[0].LastError, "refused")
	assert.Equal(t, 3, f.callsFor("https://example.com/a.css", "20200101000000"))
	assert.Equal(t, 3, tasks[0].Attempts)
	assert.Equal(t, 1, p.Failed)
	assert.Zero(t, p.Bytes)
	require.Len(t, s.FailedTasks(), 1)
}

func TestCountersAndBytesBalance(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	var reqs []archive.TaskRequest
	for i := range 12 {
		u := fmt.Sprintf("https://example.com/page%d.html", i)
		switch {
		case i%4 == 0:
			f.script(u, "20200101000000", result{status: http.StatusInternalServerError})
		default:
			f.script(u, "20200101000000", result{status: http.StatusOK, body: strings.Repeat("x", i+1)})
		}
		reqs = append(reqs, archive.TaskRequest{URL: u, Timestamp: "20200101000000"})
	}
	s := scheduler.New(fastConfig("/out"), f, memory.NewBlobStore())
	s.Add(reqs...)

	p := s.Run(context.Background())

	assert.Equal(t, 12, p.Total)
	assert.Equal(t, p.Total, p.Completed+p.Failed)
	assert.Equal(t, 3, p.Failed)

	var sum int64
	for _, task := range s.Tasks() {
		require.True(t, task.State.Terminal())
		if task.State == archive.TaskCompleted {
			sum += task.BytesWritten
		} else {
			assert.Zero(t, task.BytesWritten)
		}
	}
	assert.Equal(t, sum, p.Bytes)
	assert.Greater(t, p.Throughput, 0.0)
}

func TestEachTaskClaimedOnce(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.delay = 5 * time.Millisecond
	var mu sync.Mutex
	claims := map[int]int{}
	s := scheduler.New(fastConfig("/out"), f, memory.NewBlobStore(), scheduler.WithClaimHook(func(idx int) {
		mu.Lock()
		defer mu.Unlock()
		claims[idx]++
	}))
	for i := range 10 {
		s.Add(archive.TaskRequest{URL: fmt.Sprintf("https://example.com/%d.js", i), Timestamp: "20200101000000"})
	}

	p := s.Run(context.Background())

	require.Equal(t, 10, p.Completed)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, claims, 10)
	for idx, n := range claims {
		assert.Equal(t, 1, n, "task %d claimed %d times", idx, n)
	}
	assert.LessOrEqual(t, f.peak.Load(), int32(3))
}

func TestRequestShape(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	cfg := fastConfig("/out")
	cfg.UserAgent = "agent/1"
	s := scheduler.New(cfg, f, memory.NewBlobStore())
	s.Add(archive.TaskRequest{URL: "https://example.com/a?b=1", Timestamp: "20210101000000"})
	s.Run(context.Background())

	require.Len(t, f.requests, 1)
	assert.Equal(t, "https://web.archive.org/web/20210101000000id_/https://example.com/a?b=1", f.requests[0].URL)
	assert.Equal(t, "agent/1", f.requests[0].Headers.Get("User-Agent"))
	assert.Equal(t, time.Second, f.requests[0].Timeout)
}

func TestWritesMappedFilesToDisk(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	store, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)

	f := newScriptedFetcher()
	f.script("https://example.com/a/b?x=1", "20200101000000", result{status: http.StatusOK, body: "query page"})
	s := scheduler.New(fastConfig(root), f, store)
	s.Add(
		archive.TaskRequest{URL: "https://example.com/a/b?x=1", Timestamp: "20200101000000"},
		archive.TaskRequest{URL: "https://example.com/blog/", Timestamp: "20200101000000"},
	)
	p := s.Run(context.Background())
	require.Equal(t, 2, p.Completed)

	for _, task := range s.Tasks() {
		assert.Equal(t, pathmap.Map(task.SourceURL, root), task.LocalPath)
		// #nosec G304 -- test reads from the controlled temp directory.
		data, err := os.ReadFile(task.LocalPath)
		require.NoError(t, err)
		assert.Len(t, data, int(task.BytesWritten))
	}
}

func TestStoreErrorConsumesAttempt(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	store := &failingStore{}
	s := scheduler.New(fastConfig("/out"), f, store)
	s.Add(archive.TaskRequest{URL: "https://example.com/", Timestamp: "20200101000000"})
	s.Run(context.Background())

	tasks := s.Tasks()
	assert.Equal(t, archive.TaskFailed, tasks[0].State)
	assert.Contains(t, tasks[0].LastError, "disk full")
	assert.Equal(t, 3, f.callsFor("https://example.com/", "20200101000000"))
}

func TestCanceledRunSettlesEverything(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	core, logs := observer.New(zap.WarnLevel)
	s := scheduler.New(fastConfig("/out"), f, memory.NewBlobStore(), scheduler.WithLogger(zap.New(core)))
	for i := range 5 {
		s.Add(archive.TaskRequest{URL: fmt.Sprintf("https://example.com/%d.png", i), Timestamp: "20200101000000"})
	}

	p := s.Run(ctx)
	interrupted := logs.FilterMessage("run interrupted").All()
	require.Len(t, interrupted, 1)
	assert.Contains(t, interrupted[0].ContextMap()["error"], context.Canceled.Error())

	assert.Equal(t, 5, p.Failed)
	assert.Equal(t, p.Total, p.Completed+p.Failed)
	for _, task := range s.Tasks() {
		assert.Contains(t, task.LastError, context.Canceled.Error())
	}
	assert.Empty(t, f.requests)
}

func TestCancelDuringBackoff(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.script("https://example.com/", "20200101000000", result{status: http.StatusBadGateway})
	cfg := fastConfig("/out")
	cfg.BackoffBase = time.Hour
	s := scheduler.New(cfg, f, memory.NewBlobStore())
	s.Add(archive.TaskRequest{URL: "https://example.com/", Timestamp: "20200101000000"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan archive.Progress, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool {
		return f.callsFor("https://example.com/", "20200101000000") == 1
	}, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case p := <-done:
		assert.Equal(t, 1, p.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}

func TestProgressWhileRunning(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.delay = 20 * time.Millisecond
	emitter := &recordingEmitter{}
	cfg := fastConfig("/out")
	cfg.Concurrency = 1
	s := scheduler.New(cfg, f, memory.NewBlobStore(), scheduler.WithEmitter(emitter))
	for i := range 4 {
		s.Add(archive.TaskRequest{URL: fmt.Sprintf("https://example.com/%d.css", i), Timestamp: "20200101000000"})
	}

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	require.Eventually(t, func() bool {
		p := s.Progress()
		return p.Completed > 0 && p.Completed < p.Total
	}, time.Second, time.Millisecond)
	<-done

	stages := emitter.stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStart, stages[0])
	assert.Equal(t, progress.StageRunDone, stages[len(stages)-1])
	assert.Len(t, stages, 6)
}

func TestRetryFailedRunsOnlyFailures(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.script("https://example.com/flaky.js", "20200101000000",
		result{status: http.StatusServiceUnavailable},
		result{status: http.StatusServiceUnavailable},
		result{status: http.StatusOK, body: "ok"},
	)
	cfg := fastConfig("/out")
	cfg.RetryAttempts = 2
	first := scheduler.New(cfg, f, memory.NewBlobStore())
	first.Add(
		archive.TaskRequest{URL: "https://example.com/flaky.js", Timestamp: "20200101000000"},
		archive.TaskRequest{URL: "https://example.com/fine.js", Timestamp: "20200101000000"},
	)
	p := first.Run(context.Background())
	require.Equal(t, 1, p.Failed)

	cfg.RetryAttempts = 5
	retry := scheduler.RetryFailed(first, cfg)
	assert.NotEqual(t, first.RunID(), retry.RunID())
	require.Len(t, retry.Tasks(), 1)
	assert.Equal(t, archive.TaskPending, retry.Tasks()[0].State)

	p = retry.Run(context.Background())
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 0, p.Failed)
	assert.Equal(t, 1, f.callsFor("https://example.com/fine.js", "20200101000000"))
}

func TestRunWithoutTasks(t *testing.T) {
	t.Parallel()

	s := scheduler.New(scheduler.Config{}, newScriptedFetcher(), memory.NewBlobStore())
	p := s.Run(context.Background())
	assert.Zero(t, p.Total)
	assert.Zero(t, p.Throughput)
	assert.Equal(t, 5, s.Config().Concurrency)
	assert.Equal(t, archive.DefaultUserAgent, s.Config().UserAgent)
}

type failingStore struct{}

func (failingStore) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("disk full")
}

func TestHasherDigestsCompletedFiles(t *testing.T) {
	t.Parallel()

	f := newScriptedFetcher()
	f.script("https://example.com/gone", "20200101000000", result{status: http.StatusNotFound})
	s := scheduler.New(fastConfig("/out"), f, memory.NewBlobStore(), scheduler.WithHasher(sha256.New()))
	s.Add(
		archive.TaskRequest{URL: "https://example.com/", Timestamp: "20200101000000"},
		archive.TaskRequest{URL: "https://example.com/gone", Timestamp: "20200101000000"},
	)
	s.Run(context.Background())

	tasks := s.Tasks()
	assert.Equal(t, "2689367b205c16ce32ed4200942b8b8b1e262dfc70d9bc9fbc77c49699a4f1df", tasks[0].SHA256, "sha256 of \"ok\"")
	assert.Empty(t, tasks[1].SHA256)
}

// slowStore takes longer than the fetch timeout but honors cancellation.
type slowStore struct {
	delay time.Duration
}

func (s slowStore) PutObject(ctx context.Context, _ string, _ string, data io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, data); err != nil {
		return "", err
	}
	select {
	case <-time.After(s.delay):
		return "mem://ok", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestWriteNotBoundByFetchTimeout(t *testing.T) {
	t.Parallel()

	cfg := fastConfig("/out")
	cfg.Timeout = 10 * time.Millisecond
	cfg.RetryAttempts = 1
	s := scheduler.New(cfg, newScriptedFetcher(), slowStore{delay: 100 * time.Millisecond})
	s.Add(archive.TaskRequest{URL: "https://example.com/big.bin", Timestamp: "20200101000000"})
	p := s.Run(context.Background())

	assert.Equal(t, 1, p.Completed)
	assert.Empty(t, s.Tasks()[0].LastError)
}
