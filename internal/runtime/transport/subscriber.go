package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	brokertransport "github.com/drblury/orderflow/transport"
)

// Subscriber consumes a queue with manual acknowledgements. Each delivery is
// settled from the Watermill message outcome: Ack acks, Nack rejects without
// requeue so the broker dead-letters it. Deliveries still pending when the
// subscriber stops are requeued.
type Subscriber struct {
	ch       brokertransport.Channel
	prefetch int
	logger   watermill.LoggerAdapter

	mu        sync.Mutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSubscriber returns a subscriber consuming over ch with the given
// prefetch window. A prefetch of zero leaves the channel default.
func NewSubscriber(ch brokertransport.Channel, prefetch int, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		ch:       ch,
		prefetch: prefetch,
		logger:   logger,
		closing:  make(chan struct{}),
	}
}

// Subscribe starts consuming the queue named by topic. The returned channel is
// closed when ctx ends, the subscriber closes or the broker cancels delivery.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: subscriber closed", errspkg.ErrConnectivity)
	}

	if s.prefetch > 0 {
		if err := s.ch.Qos(s.prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("%w: set prefetch on %s: %w", errspkg.ErrConnectivity, topic, err)
		}
	}
	deliveries, err := s.ch.Consume(topic, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: consume %s: %w", errspkg.ErrConnectivity, topic, err)
	}

	out := make(chan *message.Message)
	s.wg.Add(1)
	go s.consume(ctx, deliveries, out, watermill.LogFields{"queue": topic})
	return out, nil
}

func (s *Subscriber) consume(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- *message.Message, fields watermill.LogFields) {
	defer s.wg.Done()
	defer close(out)

	for {
		select {
		case <-s.closing:
			return
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				s.logger.Info("Delivery channel closed", fields)
				return
			}
			if !s.deliver(ctx, d, out, fields) {
				return
			}
		}
	}
}

// deliver hands one delivery to the router and settles it. It returns false
// when the subscriber is stopping.
func (s *Subscriber) deliver(ctx context.Context, d amqp.Delivery, out chan<- *message.Message, fields watermill.LogFields) bool {
	msg, err := DeliveryMarshaler{}.Unmarshal(d)
	if err != nil {
		s.logger.Error("Cannot unmarshal delivery, dead-lettering", err, fields)
		s.settle(d.Nack(false, false), "nack", fields)
		return true
	}
	fields = fields.Add(watermill.LogFields{"message_uuid": msg.UUID})

	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-s.closing:
		s.settle(d.Nack(false, true), "requeue", fields)
		return false
	case <-ctx.Done():
		s.settle(d.Nack(false, true), "requeue", fields)
		return false
	}

	select {
	case <-msg.Acked():
	case <-msg.Nacked():
	case <-s.closing:
	case <-ctx.Done():
	}

	// An outcome reached before shutdown is still honoured.
	switch {
	case isDone(msg.Acked()):
		s.settle(d.Ack(false), "ack", fields)
		return true
	case isDone(msg.Nacked()):
		s.settle(d.Nack(false, false), "nack", fields)
		return true
	}
	s.settle(d.Nack(false, true), "requeue", fields)
	return false
}

func isDone(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (s *Subscriber) settle(err error, action string, fields watermill.LogFields) {
	if err != nil {
		s.logger.Error("Cannot settle delivery", err, fields.Add(watermill.LogFields{"action": action}))
		return
	}
	s.logger.Trace("Delivery settled", fields.Add(watermill.LogFields{"action": action}))
}

// Close stops all subscriptions and waits for in-flight deliveries to be
// settled or requeued.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.closeOnce.Do(func() { close(s.closing) })
	s.wg.Wait()
	return nil
}
