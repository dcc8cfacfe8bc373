package domain

import (
	"context"
)

// EventBus defines the interface for security event fan-out.
// Supports Go channels (Community) or NATS (Pro).
// All methods require a scope (the facility or deployment namespace).
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, scope string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	// Returns a subscription that can be used to unsubscribe.
	Subscribe(ctx context.Context, scope string, topic string, handler MessageHandler) (Subscription, error)

	// Request sends a message and waits for a response (request-reply pattern).
	Request(ctx context.Context, scope string, topic string, payload []byte) ([]byte, error)

	// Reply answers a message received through Request.
	Reply(ctx context.Context, msg *Message, payload []byte) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	Scope     string            `json:"scope"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `json:"type"`

	// Scope namespaces every topic.
	Scope string `json:"scope"`

	// Channel settings (Community tier)
	ChannelBufferSize int `json:"channelBufferSize,omitempty"`

	// NATS settings (Pro tier)
	NATSUrl           string `json:"natsUrl,omitempty"`
	NATSToken         string `json:"-"`
	NATSMaxReconnects int    `json:"natsMaxReconnects,omitempty"`
	NATSReconnectWait int    `json:"natsReconnectWait,omitempty"` // seconds
}

// Security event topics.
const (
	TopicAlertRaised      = "vigil.alert.raised"
	TopicAlertResolved    = "vigil.alert.resolved"
	TopicSignatureCreated = "vigil.signature.created"
	TopicChainViolation   = "vigil.chain.violation"
	TopicSessionAbandoned = "vigil.session.abandoned"

	// TopicEntityLookup is answered by the record-storage collaborator.
	TopicEntityLookup = "vigil.entity.lookup"
)

// MetadataReplyTo carries the reply address of a request message.
const MetadataReplyTo = "reply_to"

// Publisher is the publish-only view of the bus used by core components.
type Publisher interface {
	Publish(ctx context.Context, scope string, topic string, payload []byte) error
}
