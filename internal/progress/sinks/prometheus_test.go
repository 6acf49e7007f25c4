package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/wayback-retriever/internal/progress"
)

// TestPrometheusSinkRecordsMetrics ensures counters and histograms follow the event stream.
func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	now := time.Now()
	batch := []progress.Event{
		{RunID: runID, TS: now, Stage: progress.StageRunStart},
		{RunID: runID, TS: now, Stage: progress.StageIndexPage},
		{RunID: runID, TS: now, Stage: progress.StageTaskRetry, URL: "https://example.com/", Site: "example.com", Attempt: 1, StatusClass: progress.Status5xx},
		{RunID: runID, TS: now, Stage: progress.StageTaskDone, URL: "https://example.com/", Site: "example.com", Attempt: 2, Bytes: 1024, StatusClass: progress.Status2xx, Dur: 200 * time.Millisecond},
		{RunID: runID, TS: now, Stage: progress.StageTaskFailed, URL: "https://example.com/x", Site: "example.com", Attempt: 3, Dur: time.Second},
		{RunID: runID, TS: now, Stage: progress.StageRunDone, Dur: 15 * time.Second},
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted))
	require.Equal(t, 0.0, testutil.ToFloat64(sink.runsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.indexPages))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.taskRetries.WithLabelValues("5xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksSettled.WithLabelValues("example.com", "completed")))
	require.Equal(t, 1.0, testutil.ToFloat64(sink.tasksSettled.WithLabelValues("example.com", "failed")))
	require.InDelta(t, 1024.0, testutil.ToFloat64(sink.taskBytes.WithLabelValues("example.com")), 1e-9)
	require.Equal(t, 2, testutil.CollectAndCount(sink.taskDuration, "wayback_task_duration_seconds"))
	require.Equal(t, 1, testutil.CollectAndCount(sink.runDuration, "wayback_run_duration_seconds"))
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}
