// Package kafka publishes item events to Kafka. Failed items go to their own topic so
// they can be replayed like a dead letter queue.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/upwork-harvester/internal/harvest"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the brokers and topics.
type Config struct {
	Brokers     []string
	DoneTopic   string
	FailedTopic string
}

// Notifier writes one message per event, keyed by item id.
type Notifier struct {
	writer      messageWriter
	doneTopic   string
	failedTopic string
}

// New builds a Notifier backed by a kafka.Writer.
func New(cfg Config) (*Notifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newWithWriter(writer, cfg)
}

func newWithWriter(writer messageWriter, cfg Config) (*Notifier, error) {
	if writer == nil {
		return nil, errors.New("kafka writer is required")
	}
	if cfg.DoneTopic == "" {
		cfg.DoneTopic = "harvest.items.done"
	}
	if cfg.FailedTopic == "" {
		cfg.FailedTopic = "harvest.items.failed"
	}
	return &Notifier{writer: writer, doneTopic: cfg.DoneTopic, failedTopic: cfg.FailedTopic}, nil
}

// Notify writes the event to the topic for its type.
func (n *Notifier) Notify(ctx context.Context, event harvest.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	topic := n.doneTopic
	if event.Type == harvest.EventFailed {
		topic = n.failedTopic
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(event.ItemID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (n *Notifier) Close() error {
	if err := n.writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer: %w", err)
	}
	return nil
}
