package metadata

import (
	"github.com/ThreeDotsLabs/watermill/message"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FromWatermill converts Watermill metadata into Metadata.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// ToWatermill converts Metadata into a Watermill map.
func ToWatermill(metadata Metadata) message.Metadata {
	if len(metadata) == 0 {
		return message.Metadata{}
	}

	wm := make(message.Metadata, len(metadata))
	for k, v := range metadata {
		wm[k] = v
	}
	return wm
}

// FromHeaders keeps the string-valued AMQP headers. Broker-added structured
// headers such as x-death are dropped.
func FromHeaders(headers amqp.Table) Metadata {
	result := make(Metadata, len(headers))
	for k, v := range headers {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// ToHeaders converts Metadata into an AMQP header table.
func ToHeaders(md Metadata) amqp.Table {
	table := make(amqp.Table, len(md))
	for k, v := range md {
		table[k] = v
	}
	return table
}
