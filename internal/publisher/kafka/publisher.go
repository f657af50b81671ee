// Package kafka publishes commit notifications to Kafka, keyed by run id so
// a run's notifications stay on one partition.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/map-harvester/internal/harvest"
	"github.com/JakeFAU/map-harvester/internal/id/uuid"
)

// Config holds the broker list.
type Config struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes one message per committed unit.
type Publisher struct {
	writer MessageWriter
	ids    *uuid.Generator
}

var _ harvest.Publisher = (*Publisher)(nil)

// New builds a synchronous writer for cfg.Brokers. The topic is set per message.
func New(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, harvest.NewConfigurationError("kafka.brokers is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	return NewWithWriter(writer), nil
}

// NewWithWriter wraps an existing writer.
func NewWithWriter(writer MessageWriter) *Publisher {
	return &Publisher{writer: writer, ids: uuid.New()}
}

// Publish writes msg to topic and returns the message id header value.
func (p *Publisher) Publish(ctx context.Context, topic string, msg harvest.UnitCommitted) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id, err := p.ids.NewID()
	if err != nil {
		return "", err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(msg.RunID),
		Value: payload,
		Time:  msg.CommittedAt,
		Headers: []kafka.Header{
			{Key: "message_id", Value: []byte(id)},
			{Key: "ordinal", Value: []byte(strconv.FormatInt(msg.Ordinal, 10))},
		},
	})
	if err != nil {
		return "", fmt.Errorf("write kafka message: %w", err)
	}
	return id, nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
