package telemetry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaSink.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter returns a writer that hashes on the message key, so every
// record of a run lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
}

// KafkaSink publishes records as JSON messages keyed by operation id.
type KafkaSink struct {
	w     MessageWriter
	topic string
	log   *zap.Logger
}

func NewKafkaSink(w MessageWriter, topic string, logger *zap.Logger) *KafkaSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaSink{
		w:     w,
		topic: topic,
		log:   logger.With(zap.String("component", "kafka.producer"), zap.String("topic", topic)),
	}
}

func (s *KafkaSink) Name() string { return "kafka" }

type kafkaEvent struct {
	Type         string              `json:"type"`
	Availability *AvailabilityRecord `json:"availability,omitempty"`
	Exception    *ExceptionRecord    `json:"exception,omitempty"`
}

func (s *KafkaSink) Send(ctx context.Context, b Batch) error {
	ctx, span := otel.Tracer("kafka.producer").Start(ctx, "kafka.produce "+s.topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingDestinationName(s.topic),
		),
	)
	defer span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	var headers []kafka.Header
	for _, k := range carrier.Keys() {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(carrier.Get(k))})
	}

	msgs := make([]kafka.Message, 0, len(b.Availability)+len(b.Exceptions))
	for i := range b.Availability {
		a := b.Availability[i]
		m, err := s.message(a.ID, kafkaEvent{Type: "availability", Availability: &a}, headers)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}
	for i := range b.Exceptions {
		e := b.Exceptions[i]
		m, err := s.message(e.OperationID, kafkaEvent{Type: "exception", Exception: &e}, headers)
		if err != nil {
			return err
		}
		msgs = append(msgs, m)
	}

	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		s.log.Error("kafka write failed", zap.Error(err))
		return fmt.Errorf("writing %d messages: %w", len(msgs), err)
	}
	s.log.Debug("messages published", zap.Int("count", len(msgs)))
	return nil
}

func (s *KafkaSink) message(key string, ev kafkaEvent, headers []kafka.Header) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		s.log.Error("json marshal failed", zap.Error(err))
		return kafka.Message{}, fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	return kafka.Message{Key: []byte(key), Value: value, Headers: headers}, nil
}

func (s *KafkaSink) Close() error { return s.w.Close() }
