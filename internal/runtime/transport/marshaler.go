package transport

import (
	"fmt"
	"strconv"

	wamqp "github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	idspkg "github.com/drblury/orderflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
)

// DeliveryMarshaler is shared by the channel adapter and the watermill-amqp
// pair. Publishings carry the JSON content type and the message UUID as AMQP
// message id. Deliveries drop non-string broker headers such as x-death and
// expose the routing key and redelivery flag as metadata.
type DeliveryMarshaler struct{}

var _ wamqp.Marshaler = DeliveryMarshaler{}

func (DeliveryMarshaler) Marshal(msg *message.Message) (amqp.Publishing, error) {
	publishing, err := Marshaler.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, err
	}
	publishing.ContentType = ContentType
	publishing.MessageId = msg.UUID
	return publishing, nil
}

// Unmarshal falls back to the AMQP message id, then to a fresh ULID, when the
// publisher did not stamp a Watermill UUID.
func (DeliveryMarshaler) Unmarshal(d amqp.Delivery) (*message.Message, error) {
	headers := metadatapkg.ToHeaders(metadatapkg.FromHeaders(d.Headers))
	if _, ok := headers[wamqp.DefaultMessageUUIDHeaderKey]; !ok {
		id := d.MessageId
		if id == "" {
			id = idspkg.CreateULID()
		}
		headers[wamqp.DefaultMessageUUIDHeaderKey] = id
	}
	d.Headers = headers

	msg, err := Marshaler.Unmarshal(d)
	if err != nil {
		return nil, fmt.Errorf("%w: unmarshal delivery: %w", errspkg.ErrDecode, err)
	}
	msg.Metadata.Set(metadatapkg.KeyRoutingKey, d.RoutingKey)
	msg.Metadata.Set(metadatapkg.KeyRedelivered, strconv.FormatBool(d.Redelivered))
	return msg, nil
}
