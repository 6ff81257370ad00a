package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
)

// KafkaSink publishes committed audit entries to a Kafka topic, keyed by
// resource so entries for one resource stay ordered within a partition.
type KafkaSink struct {
	producer sarama.SyncProducer
	topic    string
}

// NewKafkaSink creates a sink connecting to the given brokers.
func NewKafkaSink(brokers []string, topic string, cfg *sarama.Config) (*KafkaSink, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSink{producer: producer, topic: topic}, nil
}

// NewKafkaSinkFromProducer wraps an existing producer; used in tests.
func NewKafkaSinkFromProducer(producer sarama.SyncProducer, topic string) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic}
}

// Emit implements Sink.Emit.
func (s *KafkaSink) Emit(ctx context.Context, e Entry) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(fmt.Sprintf("%s:%d", e.ResourceType, e.ResourceID)),
		Value: sarama.ByteEncoder(payload),
	}
	_, _, err = s.producer.SendMessage(msg)
	return err
}

// Close shuts down the underlying producer.
func (s *KafkaSink) Close() error {
	return s.producer.Close()
}
