package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/orderflow/internal/envelope"
	"github.com/drblury/orderflow/internal/topology"
	configpkg "github.com/drblury/orderflow/internal/runtime/config"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	handlerspkg "github.com/drblury/orderflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	transportpkg "github.com/drblury/orderflow/internal/runtime/transport"
	brokertransport "github.com/drblury/orderflow/transport"
)

// Producer emits chain events from outside a stage handler, e.g. the intake
// endpoint starting a chain.
type Producer interface {
	PublishEvent(ctx context.Context, env envelope.Envelope, md metadatapkg.Metadata) error
}

type publisherProducer struct {
	publisher message.Publisher
}

// NewProducer publishes through an existing Watermill publisher.
func NewProducer(publisher message.Publisher) Producer {
	return publisherProducer{publisher: publisher}
}

func (p publisherProducer) PublishEvent(ctx context.Context, env envelope.Envelope, md metadatapkg.Metadata) error {
	return handlerspkg.PublishEvent(ctx, p.publisher, env, md)
}

// BrokerProducer publishes to the live exchange over its own broker
// connection. A lost connection is redialed once on the next publish;
// a failed redial fails that publish. Connections that redial on their own,
// such as RabbitMQ, publish through watermill-amqp with broker confirms.
type BrokerProducer struct {
	mu sync.Mutex

	url    string
	dial   brokertransport.Dialer
	logger loggingpkg.ServiceLogger

	conn      brokertransport.Connection
	ch        brokertransport.Channel
	publisher message.Publisher
	lost      chan *amqp.Error
}

// OpenProducer connects with the configured retry policy and declares the
// exchanges so published events are never dropped for a missing exchange.
func OpenProducer(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger, registry *brokertransport.Registry) (*BrokerProducer, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if registry == nil {
		registry = brokertransport.DefaultRegistry
	}
	dial, err := registry.Dialer(conf.PubSubSystem)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}

	conn, err := brokertransport.Connect(ctx, dial, conf.RabbitMQURL, conf.ConnectRetryInterval, logger)
	if err != nil {
		return nil, err
	}

	p := &BrokerProducer{url: conf.RabbitMQURL, dial: dial, logger: logger}
	if err := p.open(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p, nil
}

func (p *BrokerProducer) open(conn brokertransport.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open channel: %w", errspkg.ErrConnectivity, err)
	}
	if err := topology.DeclareExchanges(ch); err != nil {
		_ = ch.Close()
		return err
	}
	wmLogger := loggingpkg.NewWatermillAdapter(p.logger)
	var publisher message.Publisher
	if wrapper := brokertransport.WatermillConnection(conn); wrapper != nil {
		publisher, err = transportpkg.AmqpPublisherFactory(transportpkg.AMQPConfig(transportpkg.Options{
			Exchange: topology.Exchange,
		}), wmLogger, wrapper)
		if err != nil {
			_ = ch.Close()
			return fmt.Errorf("%w: amqp publisher: %w", errspkg.ErrConnectivity, err)
		}
	} else {
		publisher = transportpkg.NewPublisher(ch, topology.Exchange, wmLogger)
	}
	p.conn = conn
	p.ch = ch
	p.lost = conn.NotifyClose(make(chan *amqp.Error, 1))
	p.publisher = publisher
	return nil
}

func (p *BrokerProducer) current(ctx context.Context) (message.Publisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.publisher != nil && !connectionLost(p.lost) {
		return p.publisher, nil
	}

	p.logger.Info("Producer connection lost, redialing", nil)
	p.teardown()
	conn, err := p.dial(brokertransport.WithLogger(ctx, loggingpkg.NewWatermillAdapter(p.logger)), p.url)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errspkg.ErrConnectivity, err)
	}
	if err := p.open(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p.publisher, nil
}

// PublishEvent publishes env under its type as routing key.
func (p *BrokerProducer) PublishEvent(ctx context.Context, env envelope.Envelope, md metadatapkg.Metadata) error {
	publisher, err := p.current(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", errspkg.ErrPublish, err)
	}
	return handlerspkg.PublishEvent(ctx, publisher, env, md)
}

// Close releases the channel and the connection.
func (p *BrokerProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.teardown()
}

func (p *BrokerProducer) teardown() error {
	if p.publisher != nil {
		_ = p.publisher.Close()
		p.publisher = nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	var err error
	if p.conn != nil {
		err = p.conn.Close()
		p.conn = nil
	}
	return err
}

func connectionLost(lost <-chan *amqp.Error) bool {
	select {
	case <-lost:
		return true
	default:
		return false
	}
}
