package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// producer is the slice of *kgo.Client the transport uses.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers  []string
	Topic    string
	ClientID string
	// RouteByKind suffixes the topic with the alert kind, e.g.
	// prerana.alerts.corridor_spike.
	RouteByKind bool
	Linger      time.Duration
}

func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:  []string{"localhost:9092"},
		Topic:    "prerana.alerts",
		ClientID: "prerana-core",
		Linger:   10 * time.Millisecond,
	}
}

// KafkaTransport publishes alerts with franz-go. Records are keyed by alert
// subject so one cohort or corridor stays ordered on its partition.
type KafkaTransport struct {
	producer producer
	config   KafkaConfig
	logger   *zap.Logger
}

func NewKafkaTransport(cfg KafkaConfig, logger *zap.Logger) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka transport needs at least one broker")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka transport needs a topic")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(cfg.Linger),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	logger.Info("kafka transport initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic))
	return newKafkaTransport(client, cfg, logger), nil
}

func newKafkaTransport(p producer, cfg KafkaConfig, logger *zap.Logger) *KafkaTransport {
	return &KafkaTransport{producer: p, config: cfg, logger: logger}
}

func (t *KafkaTransport) topicFor(kind string) string {
	if !t.config.RouteByKind || kind == "" {
		return t.config.Topic
	}
	return t.config.Topic + "." + strings.ToLower(kind)
}

func (t *KafkaTransport) Send(ctx context.Context, msg Message) error {
	record := &kgo.Record{
		Topic: t.topicFor(msg.Kind),
		Key:   msg.Key,
		Value: msg.Value,
	}
	for k, v := range msg.Headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", record.Topic, err)
	}
	return nil
}

func (t *KafkaTransport) Protocol() TransportType {
	return TransportKafka
}

func (t *KafkaTransport) Close() error {
	t.logger.Info("closing kafka transport")
	t.producer.Close()
	return nil
}
