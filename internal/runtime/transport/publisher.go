package transport

import (
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	brokertransport "github.com/drblury/orderflow/transport"
)

// Publisher publishes Watermill messages to one exchange. The Watermill topic
// is used as the routing key.
type Publisher struct {
	ch       brokertransport.Channel
	exchange string
	logger   watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
}

// NewPublisher returns a publisher writing to exchange over ch.
func NewPublisher(ch brokertransport.Channel, exchange string, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{ch: ch, exchange: exchange, logger: logger}
}

// Publish sends each message in order and stops at the first failure. Errors
// wrap ErrPublish.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("%w: publisher closed", errspkg.ErrPublish)
	}

	for _, msg := range messages {
		publishing, err := DeliveryMarshaler{}.Marshal(msg)
		if err != nil {
			return fmt.Errorf("%w: marshal message %s: %w", errspkg.ErrPublish, msg.UUID, err)
		}

		if err := p.ch.PublishWithContext(msg.Context(), p.exchange, topic, false, false, publishing); err != nil {
			return fmt.Errorf("%w: %s to %s: %w", errspkg.ErrPublish, topic, p.exchange, err)
		}

		p.logger.Trace("Message published", watermill.LogFields{
			"message_uuid": msg.UUID,
			"exchange":     p.exchange,
			"routing_key":  topic,
		})
	}
	return nil
}

// Close stops further publishing. The underlying channel is left open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
