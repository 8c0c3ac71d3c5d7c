package transport

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	brokertransport "github.com/drblury/orderflow/transport"
)

const exchangeKind = "topic"

var (
	AmqpPublisherFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Publisher, error) {
		return wamqp.NewPublisherWithConnection(cfg, logger, conn)
	}
	AmqpSubscriberFactory = func(cfg wamqp.Config, logger watermill.LoggerAdapter, conn *wamqp.ConnectionWrapper) (message.Subscriber, error) {
		return wamqp.NewSubscriberWithConnection(cfg, logger, conn)
	}
)

// NewAMQP builds a watermill-amqp publisher and subscriber sharing conn. The
// subscriber is wrapped in a DrainingSubscriber.
func NewAMQP(conn *wamqp.ConnectionWrapper, opts Options, logger watermill.LoggerAdapter) (Transport, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	cfg := AMQPConfig(opts)

	publisher, err := AmqpPublisherFactory(cfg, logger, conn)
	if err != nil {
		return Transport{}, fmt.Errorf("%w: amqp publisher: %w", errspkg.ErrConnectivity, err)
	}
	subscriber, err := AmqpSubscriberFactory(cfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		return Transport{}, fmt.Errorf("%w: amqp subscriber: %w", errspkg.ErrConnectivity, err)
	}
	return Transport{
		Publisher:  publisher,
		Subscriber: NewDrainingSubscriber(subscriber, opts.DrainTimeout),
	}, nil
}

// AMQPConfig maps Options onto watermill-amqp. The subscribe topic is the
// queue name and the publish topic is the routing key on opts.Exchange.
// Nacked deliveries are never requeued, so the broker dead-letters them, and
// publishes wait for broker confirmation.
func AMQPConfig(opts Options) wamqp.Config {
	return wamqp.Config{
		Marshaler: DeliveryMarshaler{},
		Exchange: wamqp.ExchangeConfig{
			GenerateName: wamqp.GenerateExchangeNameConstant(opts.Exchange),
			Type:         exchangeKind,
			Durable:      true,
		},
		Queue: wamqp.QueueConfig{
			GenerateName: wamqp.GenerateQueueNameTopicName,
			Durable:      true,
		},
		QueueBind: wamqp.QueueBindConfig{
			GenerateRoutingKey: func(string) string { return "" },
		},
		Publish: wamqp.PublishConfig{
			GenerateRoutingKey: func(topic string) string { return topic },
			ChannelPoolSize:    1,
			ConfirmDelivery:    true,
		},
		Consume: wamqp.ConsumeConfig{
			NoRequeueOnNack: true,
			Qos: wamqp.QosConfig{
				PrefetchCount: opts.Prefetch,
			},
		},
		TopologyBuilder: newTopologyBuilder(opts.Declare),
	}
}

// topologyBuilder hands topology to the declare hook. The default builder
// declares one queue and binding per topic, while a stage also needs its
// dead-letter exchange, queue and bindings.
type topologyBuilder struct {
	declare func(ch *amqp.Channel) error
}

func newTopologyBuilder(declare func(brokertransport.Channel) error) topologyBuilder {
	if declare == nil {
		return topologyBuilder{}
	}
	return topologyBuilder{declare: func(ch *amqp.Channel) error { return declare(ch) }}
}

func (b topologyBuilder) ExchangeDeclare(ch *amqp.Channel, exchangeName string, _ wamqp.Config) error {
	return ch.ExchangeDeclarePassive(exchangeName, exchangeKind, true, false, false, false, nil)
}

func (b topologyBuilder) BuildTopology(ch *amqp.Channel, params wamqp.BuildTopologyParams, _ wamqp.Config, logger watermill.LoggerAdapter) error {
	if b.declare != nil {
		if err := b.declare(ch); err != nil {
			return fmt.Errorf("declare topology for %s: %w", params.QueueName, err)
		}
		logger.Debug("Topology declared", watermill.LogFields{"queue": params.QueueName})
		return nil
	}
	if _, err := ch.QueueDeclarePassive(params.QueueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue %s: %w", params.QueueName, err)
	}
	return nil
}
