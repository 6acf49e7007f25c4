package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/wayback-retriever/internal/progress"
)

// LogSink writes progress events as structured logs. Per-task events go to
// debug; run-level events and failures go to info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("progress")}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Log(levelFor(evt.Stage), "progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageRunStart, progress.StageRunDone, progress.StageTaskFailed:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
