package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

// Service implements the EventBus interface on a durable topic exchange.
// Routing key equals the envelope's event type; every message is persistent
// JSON; consumers use manual acknowledgement on their own durable queues.
type Service struct {
	conn           *Connection
	logger         arbor.ILogger
	exchange       string
	publishRetries int
	publishTimeout time.Duration
	backoff        supervisor.Backoff

	mu        sync.Mutex
	publishCh *amqp.Channel
}

// NewEventBus builds the bus on a managed connection. The exchange is
// declared lazily with the first publish or subscription.
func NewEventBus(config *common.BrokerConfig, conn *Connection, backoff supervisor.Backoff, logger arbor.ILogger) interfaces.EventBus {
	retries := config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	return &Service{
		conn:           conn,
		logger:         logger,
		exchange:       config.Exchange,
		publishRetries: retries,
		publishTimeout: common.DurationOr(config.PublishTimeout, 5*time.Second),
		backoff:        backoff,
	}
}

// declareExchange is idempotent; every channel user runs it.
func declareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
}

// publishChannel returns the cached publish channel, opening one when
// missing or invalidated by a broker loss.
func (s *Service) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.publishCh != nil && !s.publishCh.IsClosed() {
		return s.publishCh, nil
	}

	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	if err := declareExchange(ch, s.exchange); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
	}
	s.publishCh = ch
	return ch, nil
}

func (s *Service) invalidatePublishChannel() {
	s.mu.Lock()
	if s.publishCh != nil {
		s.publishCh.Close()
		s.publishCh = nil
	}
	s.mu.Unlock()
}

// Publish sends a persistent envelope to the exchange, retrying transient
// broker trouble with backoff. The envelope bytes are identical across
// retries.
func (s *Service) Publish(ctx context.Context, env *models.Envelope) error {
	body, err := env.ToJSON()
	if err != nil {
		return err
	}

	err = supervisor.Retry(ctx, s.logger, "event publish", s.backoff, s.publishRetries, func(ctx context.Context) error {
		ch, chErr := s.publishChannel(ctx)
		if chErr != nil {
			return chErr
		}

		pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
		defer cancel()

		pubErr := ch.PublishWithContext(pubCtx,
			s.exchange,
			env.RoutingKey(),
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    env.EventID,
				Timestamp:    env.Timestamp,
				Body:         body,
			})
		if pubErr != nil {
			s.invalidatePublishChannel()
			return pubErr
		}
		return nil
	})
	if err != nil {
		return models.NewTransientError(fmt.Sprintf("failed to publish %s", env.EventType), err)
	}

	s.logger.Debug().
		Str("event_type", string(env.EventType)).
		Str("event_id", env.EventID).
		Str("job_id", env.JobID).
		Msg("Event published")
	return nil
}

// Subscribe declares a durable queue bound with the topic patterns and
// consumes it until ctx is cancelled. Broker loss triggers a backoff
// reconnect; unacked deliveries are redelivered by the broker.
func (s *Service) Subscribe(ctx context.Context, queueName string, patterns []string, handler interfaces.DeliveryHandler) error {
	if len(patterns) == 0 {
		return fmt.Errorf("subscription %s requires at least one binding pattern", queueName)
	}

	go s.consumeLoop(ctx, queueName, patterns, handler)
	return nil
}

func (s *Service) consumeLoop(ctx context.Context, queueName string, patterns []string, handler interfaces.DeliveryHandler) {
	attempt := 0
	for ctx.Err() == nil {
		err := s.consumeOnce(ctx, queueName, patterns, handler)
		if ctx.Err() != nil {
			return
		}
		attempt++
		s.logger.Warn().
			Str("queue", queueName).
			Int("attempt", attempt).
			Err(err).
			Msg("Event subscription interrupted, reconnecting")
		if s.backoff.Sleep(ctx, attempt-1) != nil {
			return
		}
	}
}

// consumeOnce runs one subscription session: declare, bind, consume until
// the channel dies or ctx is cancelled.
func (s *Service) consumeOnce(ctx context.Context, queueName string, patterns []string, handler interfaces.DeliveryHandler) error {
	ch, err := s.conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareExchange(ch, s.exchange); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", s.exchange, err)
	}

	queue, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	for _, pattern := range patterns {
		if err := ch.QueueBind(queue.Name, pattern, s.exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", queueName, pattern, err)
		}
	}

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(
		queue.Name,
		"", // consumer tag
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	s.logger.Info().
		Str("queue", queueName).
		Strs("patterns", patterns).
		Msg("Event subscription active")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %s", queueName)
			}
			handler(ctx, &amqpDelivery{d: d})
		}
	}
}

// IsHealthy probes the broker connection through the supervisor cache path.
func (s *Service) IsHealthy(ctx context.Context) bool {
	return s.conn.Ping(ctx) == nil
}

// Close invalidates the publish channel; the shared connection is closed by
// its owner.
func (s *Service) Close() error {
	s.invalidatePublishChannel()
	return nil
}
