package outbox

import (
	"context"
	"fmt"
	"strings"
	"time"

	"settlement-engine-go/internal/models"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher delivers one outbox event downstream.
type Publisher interface {
	Publish(ctx context.Context, event models.OutboxEvent) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each event to <prefix>.<topic>, keyed by the
// aggregate id so that events of one deposit or withdrawal stay ordered
// within a partition.
type KafkaPublisher struct {
	writer messageWriter
	prefix string
}

func NewKafkaPublisher(cfg models.KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           10 * time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			zap.L().Debug(fmt.Sprintf(msg, args...))
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			zap.L().Warn(fmt.Sprintf(msg, args...))
		}),
	}

	zap.L().Info("Kafka publisher initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic_prefix", cfg.TopicPrefix))
	return newKafkaPublisher(writer, cfg.TopicPrefix)
}

func newKafkaPublisher(writer messageWriter, prefix string) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, prefix: strings.TrimSuffix(prefix, ".")}
}

func (p *KafkaPublisher) topic(eventTopic string) string {
	if p.prefix == "" {
		return eventTopic
	}
	return p.prefix + "." + eventTopic
}

func (p *KafkaPublisher) Publish(ctx context.Context, event models.OutboxEvent) error {
	msg := kafka.Message{
		Topic: p.topic(event.Topic),
		Key:   []byte(event.AggregateId),
		Value: []byte(event.Payload),
		Time:  event.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.Id)},
			{Key: "event_type", Value: []byte(event.Topic)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s to %s: %w", event.Id, msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher logs events instead of shipping them. Used when no brokers
// are configured.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, event models.OutboxEvent) error {
	zap.L().Info("Outbox event",
		zap.String("event_id", event.Id),
		zap.String("topic", event.Topic),
		zap.String("aggregate_id", event.AggregateId),
		zap.String("payload", event.Payload))
	return nil
}

func (LogPublisher) Close() error { return nil }
