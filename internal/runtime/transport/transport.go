// Package transport builds the Watermill Publisher and Subscriber a stage runs
// on. Connections backed by a watermill-amqp wrapper get watermill-amqp
// pub/sub; anything else, such as the in-memory broker, gets a channel adapter
// that drives consume, ack and nack directly against the AMQP topology.
package transport

import (
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	brokertransport "github.com/drblury/orderflow/transport"
)

// ContentType is set on every published body.
const ContentType = "application/json"

// Marshaler converts between Watermill messages and AMQP publishings and
// deliveries. Messages are published persistent.
var Marshaler = wamqp.DefaultMarshaler{}

// Transport combines a publisher and subscriber pair sharing one channel.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Options configures the pair built by New.
type Options struct {
	// Exchange receives published messages; the topic is the routing key.
	Exchange string

	// Prefetch bounds unacknowledged deliveries per subscription.
	Prefetch int

	// Declare recreates the topology whenever watermill-amqp opens a
	// subscription, including after a reconnect. When nil the subscribed
	// queue must already exist.
	Declare func(ch brokertransport.Channel) error

	// DrainTimeout bounds how long closing a watermill-amqp subscriber waits
	// for in-flight messages to be settled.
	DrainTimeout time.Duration
}

// New builds a publisher and subscriber on ch. The channel stays owned by the
// caller; closing the pair does not close it.
func New(ch brokertransport.Channel, opts Options, logger watermill.LoggerAdapter) Transport {
	return Transport{
		Publisher:  NewPublisher(ch, opts.Exchange, logger),
		Subscriber: NewSubscriber(ch, opts.Prefetch, logger),
	}
}
