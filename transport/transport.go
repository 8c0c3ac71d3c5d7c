// Package transport defines the broker contracts shared by the stage runtime,
// the intake endpoint and the operator tools. Broker implementations live in
// sub-packages and register a Dialer under the pub/sub system name they serve.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the module relies on. *amqp.Channel
// satisfies it directly.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueuePurge(name string, noWait bool) (int, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Connection is a broker connection owned by exactly one runtime instance.
type Connection interface {
	Channel() (Channel, error)
	// NotifyClose registers a listener for connection loss. Graceful closes
	// close the receiver without sending.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// AMQPConnection is a Connection backed by a watermill-amqp connection
// wrapper. The wrapper redials on its own, so NotifyClose only fires on Close.
// AMQP returns nil when no wrapper is attached.
type AMQPConnection interface {
	Connection
	AMQP() *wamqp.ConnectionWrapper
}

// WatermillConnection returns the wrapper behind conn, if any.
func WatermillConnection(conn Connection) *wamqp.ConnectionWrapper {
	if c, ok := conn.(AMQPConnection); ok {
		return c.AMQP()
	}
	return nil
}

// Dialer opens a connection to the broker at url. Dialers that log take
// their logger from ctx, see WithLogger.
type Dialer func(ctx context.Context, url string) (Connection, error)

type loggerKey struct{}

// WithLogger attaches the logger dialers should hand to connections they open.
func WithLogger(ctx context.Context, logger watermill.LoggerAdapter) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger attached with WithLogger, or a no-op logger.
func LoggerFrom(ctx context.Context) watermill.LoggerAdapter {
	if logger, ok := ctx.Value(loggerKey{}).(watermill.LoggerAdapter); ok && logger != nil {
		return logger
	}
	return watermill.NopLogger{}
}
