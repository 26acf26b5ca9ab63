package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes records to the structured log.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "telemetry.log"))}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, b Batch) error {
	for _, a := range b.Availability {
		fields := []zap.Field{
			zap.String("operation_id", a.ID),
			zap.String("test_name", a.Name),
			zap.String("location", a.RunLocation),
			zap.Bool("success", a.Success),
			zap.String("message", a.Message),
			zap.Duration("duration", a.Duration),
			zap.Time("timestamp", a.Timestamp),
		}
		if a.Success {
			s.logger.Info("availability", fields...)
		} else {
			s.logger.Warn("availability", fields...)
		}
	}
	for _, e := range b.Exceptions {
		s.logger.Error("exception",
			zap.String("operation_id", e.OperationID),
			zap.String("test_name", e.TestName),
			zap.String("location", e.Location),
			zap.String("message", e.Message),
			zap.String("stack", e.Stack),
		)
	}
	return nil
}
