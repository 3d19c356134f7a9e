package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/picturebook/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes lifecycle events to Kafka
type Producer struct {
	writer messageWriter
	topic  string
}

// NewProducer creates a new Kafka producer
func NewProducer(brokers []string, topic string) *Producer {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           10 * time.Millisecond,
		Async:                  false,
	}

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka producer initialized")

	return &Producer{
		writer: writer,
		topic:  topic,
	}
}

// eventKey keeps all events of one session on the same partition.
func eventKey(event *models.Event) []byte {
	if event.SessionID != "" {
		return []byte(event.SessionID)
	}
	return []byte(event.ID.String())
}

// PublishEvent publishes a lifecycle event to the events topic
func (p *Producer) PublishEvent(ctx context.Context, event *models.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	kafkaMsg := kafka.Message{
		Key:   eventKey(event),
		Value: data,
	}

	if err := p.writer.WriteMessages(ctx, kafkaMsg); err != nil {
		return fmt.Errorf("failed to write event to kafka: %w", err)
	}

	log.Debug().
		Str("event_id", event.ID.String()).
		Str("event", event.Type).
		Str("session_id", event.SessionID).
		Str("topic", p.topic).
		Msg("Event published to Kafka")

	return nil
}

// Close closes the producer
func (p *Producer) Close() error {
	log.Info().Msg("Closing Kafka producer")
	return p.writer.Close()
}
