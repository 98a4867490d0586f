// Package events publishes enrichment and feedback events to the event bus.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/enrichment"
	"github.com/lvonguyen/urlintel/internal/observability"
)

// Topics.
const (
	TopicEnrichment = "threat-intelligence-events"
	TopicFeedback   = "user-feedback-events"
)

// Event types carried in the event_type header.
const (
	EventTypeEnrichment = "enrichment_completed"
	EventTypeFeedback   = enrichment.FeedbackEventType
)

// Header names.
const (
	HeaderEventID     = "event_id"
	HeaderEventType   = "event_type"
	HeaderContentType = "content_type"
)

// Message is one event on the bus.
type Message struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Transport delivers messages to a topic.
type Transport interface {
	Publish(ctx context.Context, topic string, messages ...Message) error
	Ping(ctx context.Context) error
	Close() error
}

// Bus is the best-effort publisher used by the orchestrator. Publish
// failures are logged and counted, never returned.
type Bus struct {
	transport Transport
	logger    *zap.Logger
	metrics   *observability.Metrics
	timeout   time.Duration
}

// NewBus wraps transport.
func NewBus(transport Transport, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Bus{
		transport: transport,
		logger:    logger.With(zap.String("component", "events")),
		metrics:   metrics,
		timeout:   timeout,
	}
}

// Publish encodes value as JSON and sends it keyed by key.
func (b *Bus) Publish(ctx context.Context, topic, key string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		b.logger.Error("Event encode failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	msg := Message{
		Key:   []byte(key),
		Value: payload,
		Headers: map[string]string{
			HeaderEventID:     uuid.New().String(),
			HeaderEventType:   eventType(topic),
			HeaderContentType: "application/json",
		},
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	defer cancel()

	b.metrics.PublishStarted()
	err = b.transport.Publish(ctx, topic, msg)
	b.metrics.PublishFinished(topic, err)

	if err != nil {
		b.logger.Warn("Event publish failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.String("event_id", msg.Headers[HeaderEventID]),
			zap.Error(err))
		return
	}
	b.logger.Debug("Event published",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.String("event_id", msg.Headers[HeaderEventID]))
}

// PublishRecord emits a completed enrichment keyed by its URL.
func (b *Bus) PublishRecord(ctx context.Context, rec *enrichment.Record) {
	b.Publish(ctx, TopicEnrichment, rec.URL, rec)
}

// PublishFeedback emits a feedback event keyed by its URL.
func (b *Bus) PublishFeedback(ctx context.Context, fb enrichment.Feedback) {
	b.Publish(ctx, TopicFeedback, fb.URL, fb)
}

// Ping checks the transport.
func (b *Bus) Ping(ctx context.Context) error {
	return b.transport.Ping(ctx)
}

// Close releases the transport.
func (b *Bus) Close() error {
	return b.transport.Close()
}

func eventType(topic string) string {
	switch topic {
	case TopicFeedback:
		return EventTypeFeedback
	case TopicEnrichment:
		return EventTypeEnrichment
	default:
		return topic
	}
}
