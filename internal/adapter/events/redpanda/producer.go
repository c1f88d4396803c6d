// Package redpanda publishes task lifecycle events to a Redpanda/Kafka topic
// so downstream consumers can audit and react to broker activity without
// polling the task API.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quickresolve/docpipe/internal/domain"
)

// TopicTaskEvents carries one record per task lifecycle transition.
const TopicTaskEvents = "task-events"

// Producer wraps a Kafka producer and implements domain.EventSink.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer connects to the given seed brokers and ensures the topic exists.
func NewProducer(brokers []string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=events.connect: no seed brokers provided")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=events.connect: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), client, TopicTaskEvents, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", TopicTaskEvents), slog.Any("error", err))
	}
	return &Producer{client: client, topic: TopicTaskEvents}, nil
}

// PublishTaskEvent emits one lifecycle record keyed by task id so events for
// the same task stay ordered within a partition.
func (p *Producer) PublishTaskEvent(ctx domain.Context, ev domain.TaskEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=events.publish: %w", err)
	}
	rec := &kgo.Record{Topic: p.topic, Key: []byte(ev.TaskID), Value: payload}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("op=events.publish task_id=%s: %w", ev.TaskID, err)
	}
	return nil
}

// Close flushes buffered records and releases the connection.
func (p *Producer) Close() {
	if p.client != nil {
		_ = p.client.Flush(context.Background())
		p.client.Close()
	}
}
