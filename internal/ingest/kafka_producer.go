// Package ingest publishes ride lifecycle transitions to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/example/carpool-coordinator/internal/coordinator"
)

// messageWriter is the part of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer is a coordinator.EventSink. Messages are keyed by ride ID so
// one ride's transitions stay ordered within a partition.
type KafkaProducer struct {
	writer messageWriter
}

func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Record(ctx context.Context, t coordinator.Transition) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := strconv.FormatInt(t.RideID, 10)
	if t.RideID == 0 {
		key = t.SessionID
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "phase", Value: []byte(t.To)},
		},
		Time: t.At,
	})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
