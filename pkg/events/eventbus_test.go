package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBuilder(t *testing.T) {
	event := NewEventBuilder(TemplateUploaded).
		WithAggregateID("slack-alert").
		WithAggregateType("template").
		WithPayload("key", "templates/slack-alert.json").
		WithCorrelationID("req-1").
		Build()

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, TemplateUploaded, event.Type)
	assert.Equal(t, "slack-alert", event.AggregateID)
	assert.Equal(t, "templates/slack-alert.json", event.Payload["key"])
	assert.Equal(t, "req-1", event.Metadata.CorrelationID)
	assert.False(t, event.Timestamp.IsZero())
}

func TestToMessage(t *testing.T) {
	msg, err := toMessage(Event{Type: WorkflowImported, AggregateID: "tpl"})
	require.NoError(t, err)

	assert.Equal(t, []byte("tpl"), msg.Key)
	assert.Equal(t, "event-type", msg.Headers[0].Key)
	assert.Equal(t, []byte(WorkflowImported), msg.Headers[0].Value)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.NotEmpty(t, decoded.ID)
	assert.False(t, decoded.Timestamp.IsZero())
}

func TestNewKafkaEventBus_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaEventBus(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
}

func TestMemoryBus(t *testing.T) {
	bus := NewMemoryBus()
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TemplateUploaded}))
	require.NoError(t, bus.Publish(context.Background(), Event{Type: WorkflowImported}))

	events := bus.Events()
	require.Len(t, events, 2)
	assert.Equal(t, WorkflowImported, events[1].Type)
	assert.NoError(t, NoopBus{}.Publish(context.Background(), Event{}))
}
