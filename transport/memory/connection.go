package memory

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/transport"
)

// Connection is a logical connection to a Broker.
type Connection struct {
	broker    *Broker
	closed    bool
	channels  map[*Channel]struct{}
	listeners []chan *amqp.Error
}

// Channel opens a channel on the connection.
func (c *Connection) Channel() (transport.Channel, error) {
	return c.OpenChannel()
}

// OpenChannel is Channel with the concrete return type.
func (c *Connection) OpenChannel() (*Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		broker:    b,
		conn:      c,
		unacked:   make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection loss. Receivers are closed
// when the connection shuts down; Fail sends the error first.
func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

// Close shuts the connection and all of its channels. Unacknowledged
// deliveries return to their queues.
func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Fail simulates an abrupt connection loss as reported by the server.
func (c *Connection) Fail(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
}

func (c *Connection) shutdown(cause *amqp.Error) error {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	for ch := range c.channels {
		ch.closeLocked()
	}
	listeners := c.listeners
	c.listeners = nil
	b.mu.Unlock()

	for _, l := range listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
	return nil
}
