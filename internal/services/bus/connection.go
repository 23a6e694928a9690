package bus

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/services/supervisor"
)

// Connection manages one long-lived AMQP connection shared by the event bus
// and the task queues. Dialing, redialing after broker loss, and health
// probing all run through the connection supervisor's backoff policy.
type Connection struct {
	url         string
	logger      arbor.ILogger
	backoff     supervisor.Backoff
	maxAttempts int

	mu     sync.Mutex
	conn   *amqp.Connection
	closed bool
}

// NewConnection prepares a managed connection; the broker is dialed lazily
// on first use so a cold broker does not block startup.
func NewConnection(url string, backoff supervisor.Backoff, maxAttempts int, logger arbor.ILogger) *Connection {
	return &Connection{
		url:         url,
		logger:      logger,
		backoff:     backoff,
		maxAttempts: maxAttempts,
	}
}

// ensure returns a live connection, dialing with backoff when needed.
func (c *Connection) ensure(ctx context.Context) (*amqp.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("broker connection is closed")
	}
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn, nil
	}

	var conn *amqp.Connection
	err := supervisor.Retry(ctx, c.logger, "broker dial", c.backoff, c.maxAttempts, func(ctx context.Context) error {
		var dialErr error
		conn, dialErr = amqp.Dial(c.url)
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	c.conn = conn
	c.logger.Info().Msg("Broker connection established")
	return conn, nil
}

// Channel opens a fresh channel on the managed connection.
func (c *Connection) Channel(ctx context.Context) (*amqp.Channel, error) {
	conn, err := c.ensure(ctx)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}
	return ch, nil
}

// Ping verifies the connection by ensuring it is dialed and open. Channel
// churn is avoided; an open connection is the health signal.
func (c *Connection) Ping(ctx context.Context) error {
	_, err := c.ensure(ctx)
	return err
}

// IsHealthy reports whether a live connection exists without dialing.
func (c *Connection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

// Close shuts the connection down permanently.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil && !c.conn.IsClosed() {
		return c.conn.Close()
	}
	return nil
}
