package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

// DefaultDrainTimeout applies when NewDrainingSubscriber gets no timeout.
const DefaultDrainTimeout = 30 * time.Second

const drainPoll = 5 * time.Millisecond

// DrainingSubscriber holds Close until every message it handed out has been
// acked or nacked. The router closes its subscriber as soon as shutdown
// starts, while handlers may still be running, and a watermill-amqp
// subscriber closed at that point nacks whatever is still unsettled. With
// requeue disabled that would dead-letter healthy deliveries.
type DrainingSubscriber struct {
	message.Subscriber

	timeout  time.Duration
	inflight atomic.Int64

	closing   chan struct{}
	closeOnce sync.Once
}

// NewDrainingSubscriber wraps sub. Close waits at most timeout for in-flight
// messages before closing sub regardless.
func NewDrainingSubscriber(sub message.Subscriber, timeout time.Duration) *DrainingSubscriber {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	return &DrainingSubscriber{Subscriber: sub, timeout: timeout, closing: make(chan struct{})}
}

func (s *DrainingSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	in, err := s.Subscriber.Subscribe(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			s.inflight.Add(1)
			go s.track(msg)
			select {
			case out <- msg:
			case <-s.closing:
				// Unconsumed; the wrapped subscriber settles it on close.
			}
		}
	}()
	return out, nil
}

func (s *DrainingSubscriber) track(msg *message.Message) {
	defer s.inflight.Add(-1)
	select {
	case <-msg.Acked():
	case <-msg.Nacked():
	case <-s.closing:
	}
}

// InFlight reports messages handed out but not yet settled.
func (s *DrainingSubscriber) InFlight() int64 {
	return s.inflight.Load()
}

func (s *DrainingSubscriber) Close() error {
	deadline := time.Now().Add(s.timeout)
	for s.inflight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPoll)
	}
	s.closeOnce.Do(func() { close(s.closing) })
	return s.Subscriber.Close()
}
