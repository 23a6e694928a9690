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

// Queues implements the TaskQueue interface on durable broker queues with
// prefetch 1 and manual acknowledgement. Tasks publish through the default
// exchange so the routing key is the queue name.
type Queues struct {
	conn           *Connection
	logger         arbor.ILogger
	prefetch       int
	publishRetries int
	publishTimeout time.Duration
	backoff        supervisor.Backoff

	mu        sync.Mutex
	publishCh *amqp.Channel
}

// NewTaskQueues builds the work-queue adapter on a managed connection.
func NewTaskQueues(config *common.BrokerConfig, conn *Connection, backoff supervisor.Backoff, logger arbor.ILogger) interfaces.TaskQueue {
	prefetch := config.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	retries := config.PublishRetries
	if retries <= 0 {
		retries = 3
	}
	return &Queues{
		conn:           conn,
		logger:         logger,
		prefetch:       prefetch,
		publishRetries: retries,
		publishTimeout: common.DurationOr(config.PublishTimeout, 5*time.Second),
		backoff:        backoff,
	}
}

func declareWorkQueue(ch *amqp.Channel, queueName string) error {
	_, err := ch.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	return err
}

func (q *Queues) publishChannel(ctx context.Context) (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.publishCh != nil && !q.publishCh.IsClosed() {
		return q.publishCh, nil
	}
	ch, err := q.conn.Channel(ctx)
	if err != nil {
		return nil, err
	}
	q.publishCh = ch
	return ch, nil
}

func (q *Queues) invalidatePublishChannel() {
	q.mu.Lock()
	if q.publishCh != nil {
		q.publishCh.Close()
		q.publishCh = nil
	}
	q.mu.Unlock()
}

// Publish enqueues a persistent task message, retrying transient broker
// trouble with backoff.
func (q *Queues) Publish(ctx context.Context, queueName string, body []byte) error {
	err := supervisor.Retry(ctx, q.logger, "task publish", q.backoff, q.publishRetries, func(ctx context.Context) error {
		ch, chErr := q.publishChannel(ctx)
		if chErr != nil {
			return chErr
		}
		if declErr := declareWorkQueue(ch, queueName); declErr != nil {
			q.invalidatePublishChannel()
			return declErr
		}

		pubCtx, cancel := context.WithTimeout(ctx, q.publishTimeout)
		defer cancel()

		pubErr := ch.PublishWithContext(pubCtx,
			"", // default exchange
			queueName,
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Timestamp:    time.Now().UTC(),
				Body:         body,
			})
		if pubErr != nil {
			q.invalidatePublishChannel()
			return pubErr
		}
		return nil
	})
	if err != nil {
		return models.NewTransientError(fmt.Sprintf("failed to publish task to %s", queueName), err)
	}

	q.logger.Debug().
		Str("queue", queueName).
		Int("bytes", len(body)).
		Msg("Task enqueued")
	return nil
}

// Consume competes for deliveries until ctx is cancelled. Broker loss
// triggers a backoff reconnect; unacked deliveries are redelivered.
func (q *Queues) Consume(ctx context.Context, queueName string, handler interfaces.DeliveryHandler) error {
	go q.consumeLoop(ctx, queueName, handler)
	return nil
}

func (q *Queues) consumeLoop(ctx context.Context, queueName string, handler interfaces.DeliveryHandler) {
	attempt := 0
	for ctx.Err() == nil {
		err := q.consumeOnce(ctx, queueName, handler)
		if ctx.Err() != nil {
			return
		}
		attempt++
		q.logger.Warn().
			Str("queue", queueName).
			Int("attempt", attempt).
			Err(err).
			Msg("Task consumption interrupted, reconnecting")
		if q.backoff.Sleep(ctx, attempt-1) != nil {
			return
		}
	}
}

func (q *Queues) consumeOnce(ctx context.Context, queueName string, handler interfaces.DeliveryHandler) error {
	ch, err := q.conn.Channel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareWorkQueue(ch, queueName); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	// Prefetch 1 keeps at most one task per worker instance, which is what
	// makes the checkpoint single-owner guarantee hold.
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch on %s: %w", queueName, err)
	}

	deliveries, err := ch.Consume(queueName, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", queueName, err)
	}

	q.logger.Info().
		Str("queue", queueName).
		Int("prefetch", q.prefetch).
		Msg("Task consumer active")

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

// IsHealthy probes the broker connection.
func (q *Queues) IsHealthy(ctx context.Context) bool {
	return q.conn.Ping(ctx) == nil
}

// Close invalidates the publish channel; the shared connection is closed by
// its owner.
func (q *Queues) Close() error {
	q.invalidatePublishChannel()
	return nil
}
