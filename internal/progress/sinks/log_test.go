package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/wayback-retriever/internal/progress"
)

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	id := uuid.New()
	runID := progress.UUIDToBytes(id)

	err := sink.Consume(context.Background(), []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageTaskDone, URL: "https://example.com/", Attempt: 1, Bytes: 10},
		{RunID: runID, TS: time.Now(), Stage: progress.StageTaskFailed, URL: "https://example.com/x", Attempt: 3, Note: "status 503"},
	})
	require.NoError(t, err)
	require.NoError(t, sink.Close(context.Background()))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.DebugLevel, entries[1].Level)
	require.Equal(t, zapcore.InfoLevel, entries[2].Level)
	require.Equal(t, id.String(), entries[0].ContextMap()["run_id"])
	require.Equal(t, "status 503", entries[2].ContextMap()["note"])
}
