package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hazz-dev/availprobe/internal/telemetry"

// SpanSink exports each availability record as a span covering the run, and
// attaches exceptions as span events.
type SpanSink struct {
	provider trace.TracerProvider
	tracer   trace.Tracer
}

func NewSpanSink(tp trace.TracerProvider) *SpanSink {
	return &SpanSink{provider: tp, tracer: tp.Tracer(tracerName)}
}

func (s *SpanSink) Name() string { return "otel" }

type flusher interface {
	ForceFlush(ctx context.Context) error
}

func (s *SpanSink) Send(ctx context.Context, b Batch) error {
	exc := make(map[string][]ExceptionRecord, len(b.Exceptions))
	for _, e := range b.Exceptions {
		exc[e.OperationID] = append(exc[e.OperationID], e)
	}

	for _, a := range b.Availability {
		_, span := s.tracer.Start(ctx, "availability "+a.Name,
			trace.WithTimestamp(a.Timestamp),
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("availability.id", a.ID),
				attribute.String("availability.test_name", a.Name),
				attribute.String("availability.location", a.RunLocation),
				attribute.Bool("availability.success", a.Success),
				attribute.String("availability.message", a.Message),
				attribute.Int64("availability.duration_ms", a.Duration.Milliseconds()),
			),
		)
		for _, e := range exc[a.ID] {
			span.RecordError(errors.New(e.Message), trace.WithAttributes(
				attribute.String("exception.stacktrace", e.Stack),
			))
		}
		delete(exc, a.ID)
		if a.Success {
			span.SetStatus(codes.Ok, "")
		} else {
			span.SetStatus(codes.Error, a.Message)
		}
		span.End(trace.WithTimestamp(a.Timestamp.Add(a.Duration)))
	}

	// Exceptions without a matching availability record get their own span.
	for id, list := range exc {
		_, span := s.tracer.Start(ctx, "exception",
			trace.WithAttributes(attribute.String("availability.id", id)))
		for _, e := range list {
			span.RecordError(errors.New(e.Message))
		}
		span.SetStatus(codes.Error, list[0].Message)
		span.End()
	}

	if f, ok := s.provider.(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}
