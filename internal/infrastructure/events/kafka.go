package events

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes ledger events to a Kafka topic keyed by trader so a
// trader's events stay ordered within a partition.
type KafkaSink struct {
	writer messageWriter
	codec  Codec
	Topic  string
}

func NewKafkaSink(brokers []string, topic string, codec Codec) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, codec: codec, Topic: topic}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, events []domain.Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := s.codec.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %d: %w", e.Seq, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   partitionKey(e),
			Value: value,
			Time:  e.At,
			Headers: []kafka.Header{
				{Key: "event-type", Value: []byte(e.Type)},
				{Key: "event-seq", Value: []byte(strconv.FormatUint(e.Seq, 10))},
				{Key: "content-type", Value: []byte(s.codec.ContentType())},
			},
		})
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
