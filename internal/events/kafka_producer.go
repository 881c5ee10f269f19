package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaProducer struct {
	writer *kafka.Writer
}

// batchTimeout bounds how long a single write waits for its batch to fill.
// kafka-go defaults to one second.
const batchTimeout = 5 * time.Millisecond

// NewKafkaProducer writes to topic. Messages are keyed by ride id so every
// event of a ride lands on the same partition in commit order.
func NewKafkaProducer(brokers []string, topic string) *KafkaProducer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: batchTimeout,
	}
	return &KafkaProducer{writer: w}
}

func (k *KafkaProducer) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{Key: messageKey(e), Value: b})
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func messageKey(e Event) []byte {
	switch {
	case e.Ride != nil:
		return []byte(strconv.FormatInt(e.Ride.ID, 10))
	case e.Rating != nil:
		return []byte(strconv.FormatInt(e.Rating.RideID, 10))
	default:
		return nil
	}
}
