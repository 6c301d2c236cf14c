// Package events announces finished evaluations on a Kafka topic.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/example/biqt/internal/logging"
	"github.com/example/biqt/internal/quality"
)

// Evaluation is the payload published for each evaluated upload.
type Evaluation struct {
	RequestID  string              `json:"request_id"`
	UserID     string              `json:"user_id,omitempty"`
	Provider   string              `json:"provider,omitempty"`
	Modality   string              `json:"modality,omitempty"`
	Image      string              `json:"image"`
	Results    []*quality.Envelope `json:"results"`
	OccurredAt time.Time           `json:"occurred_at"`
}

// Publisher emits evaluation events.
type Publisher interface {
	Publish(ctx context.Context, e Evaluation) error
	Close()
}

// New returns a Kafka publisher, or a no-op one when brokers is empty.
func New(brokers []string, topic string, logger *zap.Logger) (Publisher, error) {
	if len(brokers) == 0 {
		logger.Info("kafka brokers not configured; evaluation events disabled")
		return Nop{}, nil
	}
	return NewKafkaPublisher(brokers, topic, logger)
}

// KafkaPublisher produces events synchronously with franz-go.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
	logger *zap.Logger
}

// NewKafkaPublisher connects lazily to the seed brokers.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.RecordDeliveryTimeout(10*time.Second),
	)
	if err != nil {
		return nil, logging.NewOperationError("events.new_kafka_publisher", "", err)
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger.Named("events")}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Evaluation) error {
	rec, err := NewRecord(p.topic, e)
	if err != nil {
		return logging.NewOperationError("events.publish", e.RequestID, err)
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		wrapped := logging.NewOperationError("events.publish", e.RequestID, err)
		p.logger.Warn("failed to publish evaluation event", zap.Error(wrapped), zap.String("topic", p.topic))
		return wrapped
	}
	return nil
}

// Close shuts the client down.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

// NewRecord encodes e as a JSON record keyed by request id, so every event
// for one request lands on the same partition.
func NewRecord(topic string, e Evaluation) (*kgo.Record, error) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &kgo.Record{
		Topic: topic,
		Key:   []byte(e.RequestID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "event-type", Value: []byte("biqt.evaluation.completed")},
		},
	}, nil
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Evaluation) error { return nil }

func (Nop) Close() {}
