package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/map-harvester/internal/progress"
)

// LogSink writes each event as a structured log line. Claims log at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Stage.IsUnit() {
			fields = append(fields,
				zap.Int64("ordinal", evt.Ordinal),
				zap.String("worker", evt.Worker),
				zap.Int("attempt", evt.Attempt),
			)
		}
		if evt.Stage == progress.StageUnitDone {
			fields = append(fields, zap.Int("inserted", evt.Inserted), zap.Int("dropped", evt.Dropped))
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

func levelFor(stage progress.Stage) zapcore.Level {
	switch stage {
	case progress.StageUnitClaim, progress.StageUnitStale, progress.StageUnitRelease:
		return zapcore.DebugLevel
	case progress.StageUnitFailed, progress.StageRunAbort:
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
