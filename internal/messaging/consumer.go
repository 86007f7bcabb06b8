package messaging

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/solestore/internal/domain"
)

var (
	consumerTracer = otel.Tracer("messaging/consumer")
	eventTypeAttr  = attribute.Key("messaging.event_type")
)

// Message is what a Handler sees of a Kafka record.
type Message struct {
	Topic     string
	Key       string
	EventType string
	Value     []byte
}

type Handler func(ctx context.Context, msg Message) error

// ErrSkip tells the consumer to commit the message without retrying it, e.g.
// when the payload cannot be decoded.
var ErrSkip = errors.New("skip message")

type Consumer struct {
	reader     *kafka.Reader
	topic      string
	groupID    string
	logger     *slog.Logger
	maxTries   uint
	retryDelay time.Duration
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// WithRetry sets how many times a failing message is handled before it is
// logged and committed.
func WithRetry(tries uint, delay time.Duration) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		if tries > 0 {
			c.maxTries = tries
		}
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

func WithLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.logger = logger
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}
	c := &Consumer{
		topic:      topic,
		groupID:    groupID,
		logger:     slog.Default(),
		maxTries:   5,
		retryDelay: 500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(c, &cfg)
	}

	c.reader = kafka.NewReader(cfg)
	return c
}

// Consume fetches messages until ctx is cancelled. A message is committed once
// the handler succeeds, returns ErrSkip, or runs out of retries.
func (c *Consumer) Consume(ctx context.Context, handler Handler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("dropping message after failed handling",
				"error", err, "topic", c.topic, "offset", msg.Offset, "key", string(msg.Key))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler Handler) error {
	carrier := NewMessageCarrier(&msg)
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, carrier)
	m := Message{
		Topic:     msg.Topic,
		Key:       string(msg.Key),
		EventType: carrier.Get(domain.EventTypeHeader),
		Value:     msg.Value,
	}

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(m.Key),
			eventTypeAttr.String(m.EventType),
		),
	)
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryDelay
	_, err := backoff.Retry(spanCtx, func() (struct{}, error) {
		err := handler(spanCtx, m)
		if errors.Is(err, ErrSkip) {
			return struct{}{}, backoff.Permanent(err)
		}
		if err != nil {
			c.logger.Warn("message handler failed", "error", err, "topic", c.topic, "offset", msg.Offset)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(c.maxTries))
	if errors.Is(err, ErrSkip) {
		span.SetAttributes(attribute.Bool("messaging.skipped", true))
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
