// Package events carries override change notifications between the admin
// service and runtime consumers over a watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/model"
)

// TopicOverridesSaved receives one message per successful override save.
const TopicOverridesSaved = "workflow.overrides.saved"

// Message metadata keys.
const (
	MetadataWorkflowKey   = "workflow_key"
	MetadataCorrelationID = "correlation_id"
)

// OverridesSaved is the payload published after an override document has
// been replaced.
type OverridesSaved struct {
	WorkflowKey string    `json:"workflow_key"`
	Version     int64     `json:"version"`
	SavedBy     string    `json:"saved_by,omitempty"`
	SavedAt     time.Time `json:"saved_at"`
}

// Bus is an in-process pub/sub. The same GoChannel serves as publisher and
// subscriber.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates an in-process bus whose subscriber channels buffer up to
// bufferSize messages.
func NewBus(bufferSize int64, logger *zap.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            bufferSize,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		}, NewLoggerAdapter(logger)),
	}
}

// Publisher returns the publishing side of the bus.
func (b *Bus) Publisher() message.Publisher { return b.pubsub }

// Subscriber returns the subscribing side of the bus.
func (b *Bus) Subscriber() message.Subscriber { return b.pubsub }

// Close stops delivery and closes every subscription channel.
func (b *Bus) Close() error { return b.pubsub.Close() }

// Publisher publishes override change events.
type Publisher struct {
	pub     message.Publisher
	metrics *observability.Metrics
}

// NewPublisher wraps a watermill publisher. metrics may be nil.
func NewPublisher(pub message.Publisher, metrics *observability.Metrics) *Publisher {
	return &Publisher{pub: pub, metrics: metrics}
}

// PublishOverridesSaved publishes evt on TopicOverridesSaved.
func (p *Publisher) PublishOverridesSaved(ctx context.Context, evt OverridesSaved) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", TopicOverridesSaved, err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set(MetadataWorkflowKey, evt.WorkflowKey)
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		msg.Metadata.Set(MetadataCorrelationID, rctx.CorrelationID)
	}

	err = p.pub.Publish(TopicOverridesSaved, msg)
	p.metrics.RecordEventPublished(TopicOverridesSaved, err)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", TopicOverridesSaved, err)
	}
	return nil
}

// HandlerFunc consumes one decoded OverridesSaved event.
type HandlerFunc func(ctx context.Context, evt OverridesSaved)

// SubscribeOverridesSaved starts delivering OverridesSaved events to handle
// until ctx is cancelled or the subscriber is closed. Undecodable messages
// are logged and acknowledged so they are not redelivered.
func SubscribeOverridesSaved(ctx context.Context, sub message.Subscriber, logger *zap.Logger, handle HandlerFunc) error {
	messages, err := sub.Subscribe(ctx, TopicOverridesSaved)
	if err != nil {
		return fmt.Errorf("events: subscribe %s: %w", TopicOverridesSaved, err)
	}

	go func() {
		for msg := range messages {
			var evt OverridesSaved
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				logger.Warn("dropping malformed event",
					zap.String("topic", TopicOverridesSaved),
					zap.String("message_uuid", msg.UUID),
					zap.Error(err),
				)
				msg.Ack()
				continue
			}
			handle(msg.Context(), evt)
			msg.Ack()
		}
	}()
	return nil
}
