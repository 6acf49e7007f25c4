package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/wayback-retriever/internal/progress"
)

// PrometheusSink exports run progress via Prometheus collectors it owns.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsActive    prometheus.Gauge
	runDuration   prometheus.Histogram
	indexPages    prometheus.Counter

	tasksSettled *prometheus.CounterVec
	taskRetries  *prometheus.CounterVec
	taskBytes    *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wayback_runs_started_total",
			Help: "Total download runs that have started.",
		}),
		runsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wayback_runs_completed_total",
			Help: "Total download runs that have settled every task.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "wayback_runs_active",
			Help: "Current number of running download runs.",
		}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "wayback_run_duration_seconds",
			Help:    "Wall time per completed run.",
			Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600},
		}),
		indexPages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "wayback_discovery_pages_total",
			Help: "Index pages read during discovery.",
		}),
		tasksSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayback_tasks_settled_total",
			Help: "Download tasks settled, partitioned by site and result.",
		}, []string{"site", "result"}),
		taskRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayback_task_retries_total",
			Help: "Failed attempts that were retried, partitioned by status class.",
		}, []string{"status_class"}),
		taskBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "wayback_task_bytes_total",
			Help: "Bytes written per site.",
		}, []string{"site"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "wayback_task_duration_seconds",
			Help:    "Task wall time including retries, partitioned by result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"result"}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsActive,
		s.runDuration,
		s.indexPages,
		s.tasksSettled,
		s.taskRetries,
		s.taskBytes,
		s.taskDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	site := evt.Site
	if site == "" {
		site = "unknown"
	}
	switch evt.Stage {
	case progress.StageRunStart:
		s.runsStarted.Inc()
		s.runsActive.Inc()
	case progress.StageRunDone:
		s.runsCompleted.Inc()
		s.runsActive.Dec()
		if evt.Dur > 0 {
			s.runDuration.Observe(evt.Dur.Seconds())
		}
	case progress.StageIndexPage:
		s.indexPages.Inc()
	case progress.StageTaskRetry:
		class := evt.StatusClass
		if class == "" {
			class = progress.StatusOther
		}
		s.taskRetries.WithLabelValues(string(class)).Inc()
	case progress.StageTaskDone:
		s.tasksSettled.WithLabelValues(site, "completed").Inc()
		if evt.Bytes > 0 {
			s.taskBytes.WithLabelValues(site).Add(float64(evt.Bytes))
		}
		s.observeTask(evt, "completed")
	case progress.StageTaskFailed:
		s.tasksSettled.WithLabelValues(site, "failed").Inc()
		s.observeTask(evt, "failed")
	}
}

func (s *PrometheusSink) observeTask(evt progress.Event, result string) {
	if evt.Dur > 0 {
		s.taskDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
