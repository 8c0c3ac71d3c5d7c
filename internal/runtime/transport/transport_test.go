package transport

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	"github.com/drblury/orderflow/internal/topology"
	"github.com/drblury/orderflow/transport/memory"
)

func newBroker(t *testing.T) (*memory.Broker, *memory.Channel) {
	t.Helper()
	b := memory.NewBroker()
	ch, err := b.Dial().OpenChannel()
	require.NoError(t, err)
	require.NoError(t, topology.Declare(ch, topology.Payment))
	return b, ch
}

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "message channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestPublisherRoutesByTopic(t *testing.T) {
	b, ch := newBroker(t)
	pub := NewPublisher(ch, topology.Exchange, watermill.NopLogger{})

	msg := message.NewMessage("msg-1", []byte(`{"type":"order.created"}`))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "corr-1")
	require.NoError(t, pub.Publish("order.created", msg))

	d, ok, err := ch.Get(topology.Payment.Queue, true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"order.created"}`, string(d.Body))
	assert.Equal(t, ContentType, d.ContentType)
	assert.Equal(t, amqp.Persistent, d.DeliveryMode)
	assert.Equal(t, "msg-1", d.MessageId)
	assert.Equal(t, "corr-1", d.Headers[metadatapkg.KeyCorrelationID])
	assert.Equal(t, 0, b.Depth(topology.Payment.Queue))
}

func TestPublisherErrors(t *testing.T) {
	_, ch := newBroker(t)

	pub := NewPublisher(ch, topology.Exchange, nil)
	assert.ErrorIs(t, pub.Publish("", message.NewMessage("x", nil)), errspkg.ErrTopicRequired)

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("order.created", message.NewMessage("x", nil)), errspkg.ErrPublish)

	missing := NewPublisher(ch, "no.such.exchange", nil)
	err := missing.Publish("order.created", message.NewMessage("x", nil))
	assert.ErrorIs(t, err, errspkg.ErrPublish)
	var amqpErr *amqp.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp.NotFound, amqpErr.Code)
}

func TestSubscriberAckRemovesDelivery(t *testing.T) {
	b, ch := newBroker(t)
	tr := New(ch, Options{Exchange: topology.Exchange, Prefetch: 1}, watermill.NopLogger{})

	messages, err := tr.Subscriber.Subscribe(context.Background(), topology.Payment.Queue)
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("order.created", message.NewMessage("m-1", []byte(`{}`))))

	msg := receive(t, messages)
	assert.Equal(t, "m-1", msg.UUID)
	assert.Equal(t, "order.created", msg.Metadata.Get(metadatapkg.KeyRoutingKey))
	assert.Equal(t, "false", msg.Metadata.Get(metadatapkg.KeyRedelivered))
	msg.Ack()

	// Close settles outstanding deliveries, so an unacked one would be requeued.
	require.NoError(t, tr.Subscriber.Close())
	assert.Equal(t, 0, b.Depth(topology.Payment.Queue))
	assert.Equal(t, 0, b.Depth(topology.Payment.DeadLetterQueue()))
}

func TestSubscriberNackDeadLetters(t *testing.T) {
	b, ch := newBroker(t)
	sub := NewSubscriber(ch, 1, nil)
	t.Cleanup(func() { _ = sub.Close() })

	messages, err := sub.Subscribe(context.Background(), topology.Payment.Queue)
	require.NoError(t, err)

	require.NoError(t, NewPublisher(ch, topology.Exchange, nil).Publish("order.created", message.NewMessage("m-2", []byte(`{}`))))
	receive(t, messages).Nack()

	eventually(t, func() bool { return b.Depth(topology.Payment.DeadLetterQueue()) == 1 })
	assert.Equal(t, 0, b.Depth(topology.Payment.Queue))
}

func TestSubscriberPrefetchOne(t *testing.T) {
	_, ch := newBroker(t)
	sub := NewSubscriber(ch, 1, nil)
	t.Cleanup(func() { _ = sub.Close() })

	messages, err := sub.Subscribe(context.Background(), topology.Payment.Queue)
	require.NoError(t, err)

	pub := NewPublisher(ch, topology.Exchange, nil)
	require.NoError(t, pub.Publish("order.created", message.NewMessage("first", nil), message.NewMessage("second", nil)))

	first := receive(t, messages)
	assert.Equal(t, "first", first.UUID)
	select {
	case msg := <-messages:
		t.Fatalf("received %s before the first delivery was settled", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}

	first.Ack()
	assert.Equal(t, "second", receive(t, messages).UUID)
}

func TestSubscriberCloseRequeuesPending(t *testing.T) {
	b, ch := newBroker(t)
	sub := NewSubscriber(ch, 1, nil)

	messages, err := sub.Subscribe(context.Background(), topology.Payment.Queue)
	require.NoError(t, err)

	require.NoError(t, NewPublisher(ch, topology.Exchange, nil).Publish("order.created", message.NewMessage("m-3", nil)))
	receive(t, messages)

	require.NoError(t, sub.Close())
	_, open := <-messages
	assert.False(t, open)

	// Closing the channel returns anything the broker still holds for it.
	require.NoError(t, ch.Close())
	assert.Equal(t, 1, b.Depth(topology.Payment.Queue))
	assert.Equal(t, 0, b.Depth(topology.Payment.DeadLetterQueue()))

	_, err = sub.Subscribe(context.Background(), topology.Payment.Queue)
	assert.ErrorIs(t, err, errspkg.ErrConnectivity)
}

func TestSubscriberStopsWhenContextEnds(t *testing.T) {
	_, ch := newBroker(t)
	sub := NewSubscriber(ch, 1, nil)
	t.Cleanup(func() { _ = sub.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := sub.Subscribe(ctx, topology.Payment.Queue)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-messages:
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("message channel not closed after cancel")
	}
}

func TestSubscriberConsumeMissingQueue(t *testing.T) {
	_, ch := newBroker(t)
	_, err := NewSubscriber(ch, 1, nil).Subscribe(context.Background(), "q.missing")
	assert.ErrorIs(t, err, errspkg.ErrConnectivity)
}

func TestDeliveryMarshalerUnmarshal(t *testing.T) {
	d := amqp.Delivery{
		Body:        []byte(`{"order_id":"o-1"}`),
		RoutingKey:  "payment.authorized",
		Redelivered: true,
		MessageId:   "broker-id",
		Headers: amqp.Table{
			metadatapkg.KeyCorrelationID: "corr-9",
			"x-death":                    []any{amqp.Table{"count": int64(1)}},
			"x-retries":                  int32(3),
		},
	}

	msg, err := DeliveryMarshaler{}.Unmarshal(d)
	require.NoError(t, err)
	assert.Equal(t, "broker-id", msg.UUID)
	assert.Equal(t, `{"order_id":"o-1"}`, string(msg.Payload))
	assert.Equal(t, "corr-9", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "payment.authorized", msg.Metadata.Get(metadatapkg.KeyRoutingKey))
	assert.Equal(t, "true", msg.Metadata.Get(metadatapkg.KeyRedelivered))
	assert.Empty(t, msg.Metadata.Get("x-death"))
	assert.Empty(t, msg.Metadata.Get("x-retries"))

	bare, err := DeliveryMarshaler{}.Unmarshal(amqp.Delivery{Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Len(t, bare.UUID, 26)
}
