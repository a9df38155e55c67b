// Package kafka publishes mutation events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/plani/ledger-engine/events"
)

const defaultTopic = "ledger_mutations"

// Publisher writes mutation events to Kafka, keyed by actor so one
// user's events stay ordered within a partition.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher builds a publisher for the given brokers. An empty topic
// selects the default.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = defaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (p *Publisher) Publish(ctx context.Context, event events.MutationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Actor),
		Value: data,
	})
}

func (p *Publisher) Close() error { return p.writer.Close() }
