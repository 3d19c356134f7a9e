package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/snappy-loop/picturebook/internal/models"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer wraps a Kafka consumer
type Consumer struct {
	reader  messageReader
	handler MessageHandler

	baseDelay time.Duration
	maxDelay  time.Duration
	maxTries  int
}

// MessageHandler processes lifecycle events. It must be idempotent on Event.ID
// since a message can be redelivered when a commit fails.
type MessageHandler interface {
	HandleEvent(ctx context.Context, event *models.Event) error
}

// errMalformed marks messages that can never be processed.
var errMalformed = errors.New("malformed event")

// NewConsumer creates a new Kafka consumer
func NewConsumer(brokers []string, topic, groupID string, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: 0,    // manual commits
		// Events published before the first deployment of the consumer are still recorded.
		StartOffset: kafka.FirstOffset,
	})

	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka consumer initialized")

	return newConsumer(reader, handler)
}

func newConsumer(reader messageReader, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:    reader,
		handler:   handler,
		baseDelay: 1 * time.Second,
		maxDelay:  5 * time.Minute,
		maxTries:  50,
	}
}

// Start consumes messages until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	log.Info().Msg("Starting Kafka consumer")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Consumer context cancelled, stopping")
			return ctx.Err()
		default:
		}

		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to fetch message")
			continue
		}

		if err := c.processWithRetry(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Skip the message so one bad record cannot block the partition.
			log.Error().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("CRITICAL: Event processing failed - SKIPPING MESSAGE")
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Error().Err(err).Int64("offset", msg.Offset).Msg("Failed to commit message")
		}
	}
}

func (c *Consumer) processWithRetry(ctx context.Context, msg kafka.Message) error {
	var lastErr error
	for attempt := 0; attempt < c.maxTries; attempt++ {
		lastErr = c.processMessage(ctx, msg)
		if lastErr == nil || errors.Is(lastErr, errMalformed) {
			return lastErr
		}

		log.Error().
			Err(lastErr).
			Str("topic", msg.Topic).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Int("attempt", attempt+1).
			Int("max_retries", c.maxTries).
			Msg("Failed to process message - will retry")

		delay := c.baseDelay * time.Duration(1<<uint(min(attempt, 10)))
		if delay > c.maxDelay {
			delay = c.maxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// processMessage decodes and handles a single Kafka message
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) error {
	log.Debug().
		Str("topic", msg.Topic).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Processing message")

	event, err := decodeEvent(msg.Value)
	if err != nil {
		return err
	}

	if err := c.handler.HandleEvent(ctx, event); err != nil {
		return fmt.Errorf("handler error: %w", err)
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("event", event.Type).
		Str("session_id", event.SessionID).
		Msg("Event recorded")

	return nil
}

func decodeEvent(data []byte) (*models.Event, error) {
	var event models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", errMalformed)
	}
	return &event, nil
}

// Close closes the consumer
func (c *Consumer) Close() error {
	log.Info().Msg("Closing Kafka consumer")
	return c.reader.Close()
}
