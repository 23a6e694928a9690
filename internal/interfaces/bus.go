package interfaces

import (
	"context"

	"github.com/ternarybob/verto/internal/models"
)

// Delivery is a single in-flight message owned by the broker until the
// consumer settles it. Exactly one of Ack or Nack must be called.
type Delivery interface {
	Body() []byte
	Ack() error
	Nack(requeue bool) error
}

// DeliveryHandler processes one delivery. The handler is responsible for
// settling the message; returning without Ack/Nack leaves it unacked.
type DeliveryHandler func(ctx context.Context, d Delivery)

// EventBus is the topic-routed pub/sub fabric on the subtitle.events
// exchange. Routing key equals the envelope's event type.
type EventBus interface {
	// Publish sends a persistent envelope; retried with backoff internally.
	Publish(ctx context.Context, env *models.Envelope) error

	// Subscribe declares a durable queue bound with the given topic patterns
	// and consumes it with manual acknowledgement until ctx is cancelled.
	Subscribe(ctx context.Context, queueName string, patterns []string, handler DeliveryHandler) error

	IsHealthy(ctx context.Context) bool
	Close() error
}

// TaskQueue is a durable work queue with prefetch 1 and manual ack.
type TaskQueue interface {
	// Publish enqueues a persistent message body.
	Publish(ctx context.Context, queueName string, body []byte) error

	// Consume competes for deliveries from the queue until ctx is cancelled.
	Consume(ctx context.Context, queueName string, handler DeliveryHandler) error

	IsHealthy(ctx context.Context) bool
	Close() error
}
