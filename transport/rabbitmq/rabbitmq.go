// Package rabbitmq dials RabbitMQ through a watermill-amqp connection wrapper.
// The wrapper redials with backoff after connection loss, so stages and
// producers keep their session and watermill-amqp resumes consuming.
package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// DefaultHeartbeat matches the amqp091 client default.
const DefaultHeartbeat = 10 * time.Second

// Conn is the subset of *amqp.ConnectionWrapper the dialer wraps.
type Conn interface {
	Connection() *amqp.Connection
	IsConnected() bool
	Close() error
}

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg wamqp.ConnectionConfig, logger watermill.LoggerAdapter) (Conn, error) {
	conn, err := wamqp.NewConnection(cfg, logger)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func init() {
	Register()
}

// Register adds the RabbitMQ dialer to the default registry.
func Register() {
	transport.Register(transport.RabbitMQCapabilities, Dial)
}

// Dial opens one AMQP connection. Failures are connectivity errors so the
// caller's retry loop keeps waiting for the broker.
func Dial(ctx context.Context, url string) (transport.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}
	conn, err := ConnectionFactory(wamqp.ConnectionConfig{
		AmqpURI: url,
		AmqpConfig: &amqp.Config{
			Heartbeat: DefaultHeartbeat,
			Locale:    "en_US",
			Properties: amqp.Table{
				"connection_name": "orderflow",
			},
		},
		Reconnect: wamqp.DefaultReconnectConfig(),
	}, transport.LoggerFrom(ctx))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}
	return &connection{conn: conn}, nil
}

type connection struct {
	conn Conn

	mu        sync.Mutex
	closed    bool
	receivers []chan *amqp.Error
}

var _ transport.AMQPConnection = (*connection)(nil)

func (c *connection) Channel() (transport.Channel, error) {
	if !c.conn.IsConnected() {
		return nil, fmt.Errorf("%w: open channel: %w", errspkg.ErrConnectivity, amqp.ErrClosed)
	}
	ch, err := c.conn.Connection().Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: open channel: %w", errspkg.ErrConnectivity, err)
	}
	return ch, nil
}

// NotifyClose closes receiver when the connection is closed. Transient loss
// is handled by the wrapper and never reported.
func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.receivers = append(c.receivers, receiver)
	return receiver
}

func (c *connection) AMQP() *wamqp.ConnectionWrapper {
	w, _ := c.conn.(*wamqp.ConnectionWrapper)
	return w
}

func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	receivers := c.receivers
	c.receivers = nil
	c.mu.Unlock()

	for _, r := range receivers {
		close(r)
	}
	return c.conn.Close()
}
