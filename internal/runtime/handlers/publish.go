package handlers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderflow/internal/envelope"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	idspkg "github.com/drblury/orderflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
)

// NewEventMessage encodes env into a Watermill message carrying md. The
// event type and order id headers always reflect env.
func NewEventMessage(env envelope.Envelope, md metadatapkg.Metadata) *message.Message {
	headers := md.Clone()
	headers[metadatapkg.KeyEventType] = string(env.Type)
	headers[metadatapkg.KeyOrderID] = env.OrderID
	if headers[metadatapkg.KeyCorrelationID] == "" {
		headers[metadatapkg.KeyCorrelationID] = idspkg.CreateULID()
	}

	msg := message.NewMessage(idspkg.CreateULID(), envelope.Encode(env))
	msg.Metadata = metadatapkg.ToWatermill(headers)
	return msg
}

// PublishEvent publishes env under its type as routing key.
func PublishEvent(ctx context.Context, publisher message.Publisher, env envelope.Envelope, md metadatapkg.Metadata) error {
	if publisher == nil {
		return errspkg.ErrPublisherRequired
	}
	if env.Type == "" {
		return errspkg.ErrTopicRequired
	}

	msg := NewEventMessage(env, md)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return publisher.Publish(string(env.Type), msg)
}
