package pubsub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaForwarder writes every bus message to "<prefix>.<topic>" as JSON.
type KafkaForwarder struct {
	writer *kafka.Writer
	prefix string
}

// NewKafkaForwarder returns nil when no brokers are configured, which leaves the bus
// in-process only.
func NewKafkaForwarder(brokers []string, prefix string) *KafkaForwarder {
	if len(brokers) == 0 {
		return nil
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaForwarder{writer: writer, prefix: prefix}
}

// TopicName maps a bus topic to its Kafka topic.
func (f *KafkaForwarder) TopicName(topic Topic) string {
	if f.prefix == "" {
		return string(topic)
	}
	return f.prefix + "." + string(topic)
}

func (f *KafkaForwarder) Forward(ctx context.Context, msg Message) error {
	if f == nil || f.writer == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return f.writer.WriteMessages(writeCtx, kafka.Message{
		Topic: f.TopicName(msg.Topic),
		Key:   []byte(msg.ID),
		Value: payload,
	})
}

// Close is safe to call on a nil forwarder.
func (f *KafkaForwarder) Close() error {
	if f == nil || f.writer == nil {
		return nil
	}
	return f.writer.Close()
}
