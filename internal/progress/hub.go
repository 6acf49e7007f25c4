package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 1024).
//   - MaxBatchEvents: flush once this many events queue (default 256).
//   - MaxBatchWait: upper bound on how long the first event of a batch waits (default 250ms).
//   - SinkTimeout: per-sink timeout while flushing (default 5s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Hub fans Event streams out to registered sinks. Emit never blocks; events
// that do not fit in the buffer are counted and dropped.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped      atomic.Int64
	droppedTotal atomic.Int64
	lastDropLog  atomic.Int64
	closed       atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine for the supplied sinks.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		events: make(chan Event, cfg.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger.Named("progress"),
	}
	go h.run()
	return h
}

// Emit enqueues an Event for batching. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
	default:
		h.dropped.Add(1)
		h.droppedTotal.Add(1)
		h.maybeLogDrops(time.Now())
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (h *Hub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.droppedTotal.Load()
}

// Close drains buffered events, flushes and closes sinks, and waits for the
// background goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stop)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	var (
		timer   *time.Timer
		timeout <-chan time.Time
	)
	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timeout = nil, nil
		}
		h.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				flush()
				continue
			}
			if timer == nil {
				timer = time.NewTimer(h.cfg.MaxBatchWait)
				timeout = timer.C
			}
		case <-timeout:
			timer, timeout = nil, nil
			flush()
		case <-h.stop:
		drain:
			for {
				select {
				case evt := <-h.events:
					batch = append(batch, evt)
					if len(batch) >= h.cfg.MaxBatchEvents {
						flush()
					}
				default:
					break drain
				}
			}
			flush()
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []Event) {
	if len(batch) == 0 {
		return
	}
	snapshot := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, snapshot); err != nil {
			h.logger.Warn("progress sink consume failed", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}

func (h *Hub) maybeLogDrops(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}
