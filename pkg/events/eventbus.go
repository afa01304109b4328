package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type Event struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	AggregateID   string                 `json:"aggregateId"`
	AggregateType string                 `json:"aggregateType"`
	Timestamp     time.Time              `json:"timestamp"`
	Version       int                    `json:"version"`
	Payload       map[string]interface{} `json:"payload"`
	Metadata      EventMetadata          `json:"metadata"`
}

type EventMetadata struct {
	CorrelationID string `json:"correlationId"`
	TraceID       string `json:"traceId"`
}

// Publisher emits gallery events. Publishing is best effort for callers:
// a failed publish never fails the operation that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type KafkaEventBus struct {
	config KafkaConfig
	writer *kafka.Writer
}

func NewKafkaEventBus(config KafkaConfig) (*KafkaEventBus, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka event bus requires at least one broker")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("kafka event bus requires a topic")
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Topic:                  config.Topic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}

	return &KafkaEventBus{
		config: config,
		writer: writer,
	}, nil
}

func (k *KafkaEventBus) Publish(ctx context.Context, event Event) error {
	msg, err := toMessage(event)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, msg)
}

func (k *KafkaEventBus) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func toMessage(event Event) (kafka.Message, error) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
			{Key: "trace-id", Value: []byte(event.Metadata.TraceID)},
			{Key: "correlation-id", Value: []byte(event.Metadata.CorrelationID)},
		},
	}, nil
}

// NoopBus drops every event. Used when no brokers are configured.
type NoopBus struct{}

func (NoopBus) Publish(context.Context, Event) error { return nil }
func (NoopBus) Close() error                         { return nil }

// MemoryBus records published events in order.
type MemoryBus struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (m *MemoryBus) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryBus) Close() error { return nil }

func (m *MemoryBus) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Event builder helper
type EventBuilder struct {
	event Event
}

func NewEventBuilder(eventType string) *EventBuilder {
	return &EventBuilder{
		event: Event{
			ID:        uuid.New().String(),
			Type:      eventType,
			Timestamp: time.Now().UTC(),
			Version:   1,
			Payload:   make(map[string]interface{}),
		},
	}
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.event.AggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(aggregateType string) *EventBuilder {
	b.event.AggregateType = aggregateType
	return b
}

func (b *EventBuilder) WithPayload(key string, value interface{}) *EventBuilder {
	b.event.Payload[key] = value
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.event.Metadata.CorrelationID = id
	return b
}

func (b *EventBuilder) WithTraceID(id string) *EventBuilder {
	b.event.Metadata.TraceID = id
	return b
}

func (b *EventBuilder) Build() Event {
	return b.event
}

const (
	TemplateUploaded = "template.uploaded"
	WorkflowImported = "workflow.imported"
)
