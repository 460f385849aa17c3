package estuary

import (
	"context"
	"errors"
	"time"

	"github.com/Shopify/sarama"
	"github.com/pquerna/ffjson/ffjson"

	"github.com/riverrun/replicator/pkg/config"
	"github.com/riverrun/replicator/pkg/models"
)

func init() {
	Register("kafka", func(cfg map[string]interface{}) (Driver, error) {
		return newKafkaEndpoint(cfg)
	})
}

type kafkaConfig struct {
	Brokers        []string          `mapstructure:"brokers"`
	Topic          string            `mapstructure:"topic"`
	ResourceTopics map[string]string `mapstructure:"resourceTopics"`
}

// kafkaEndpoint publishes mutations keyed by record id, so a partition
// preserves per-record order.
type kafkaEndpoint struct {
	cfg      kafkaConfig
	producer sarama.SyncProducer
}

func newKafkaEndpoint(raw map[string]interface{}) (*kafkaEndpoint, error) {
	var cfg kafkaConfig
	if err := config.Decode(raw, &cfg); err != nil {
		return nil, &models.ConfigError{Field: "config", Message: err.Error()}
	}
	if len(cfg.Brokers) == 0 {
		return nil, &models.ConfigError{Field: "config.brokers", Message: "at least one broker is required"}
	}
	if cfg.Topic == "" && len(cfg.ResourceTopics) == 0 {
		return nil, &models.ConfigError{Field: "config.topic", Message: "either topic or resourceTopics is required"}
	}
	return &kafkaEndpoint{cfg: cfg}, nil
}

func (e *kafkaEndpoint) Init() error {
	// Strong consistency: wait for all in-sync replicas before acking.
	sc := sarama.NewConfig()
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 3
	sc.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(e.cfg.Brokers, sc)
	if err != nil {
		return models.Transient("kafka", err)
	}
	e.producer = producer
	return nil
}

func (e *kafkaEndpoint) Close() error {
	if e.producer == nil {
		return nil
	}
	return e.producer.Close()
}

func (e *kafkaEndpoint) topicFor(resource string) string {
	if topic, ok := e.cfg.ResourceTopics[resource]; ok {
		return topic
	}
	return e.cfg.Topic
}

func (e *kafkaEndpoint) message(op Op) (*sarama.ProducerMessage, error) {
	body, err := ffjson.Marshal(&queueMessage{
		Resource:  op.Binding.Source,
		Operation: op.Operation,
		RecordID:  op.RecordID,
		Data:      op.Record,
		Before:    op.Before,
		Timestamp: op.Timestamp.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, models.Permanent("kafka", err)
	}
	return &sarama.ProducerMessage{
		Topic: e.topicFor(op.Binding.Source),
		Key:   sarama.StringEncoder(op.RecordID),
		Value: sarama.ByteEncoder(body),
	}, nil
}

func (e *kafkaEndpoint) Replicate(ctx context.Context, op Op) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg, err := e.message(op)
	if err != nil {
		return err
	}
	if _, _, err := e.producer.SendMessage(msg); err != nil {
		return classifyKafka(err)
	}
	return nil
}

func (e *kafkaEndpoint) ReplicateBatch(ctx context.Context, ops []Op) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msgs := make([]*sarama.ProducerMessage, 0, len(ops))
	for _, op := range ops {
		msg, err := e.message(op)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if err := e.producer.SendMessages(msgs); err != nil {
		return classifyKafka(err)
	}
	return nil
}

func classifyKafka(err error) error {
	if err == nil {
		return nil
	}

	var kerr sarama.KError
	if errors.As(err, &kerr) {
		switch kerr {
		case sarama.ErrInvalidTopic, sarama.ErrMessageSizeTooLarge,
			sarama.ErrTopicAuthorizationFailed, sarama.ErrSASLAuthenticationFailed:
			return models.Permanent("kafka", err)
		}
	}
	// Broker churn, leader elections and timeouts clear on their own.
	return models.Transient("kafka", err)
}
