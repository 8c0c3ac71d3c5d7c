package handlers

import (
	"github.com/drblury/orderflow/internal/envelope"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
)

// MessageContextBase holds the metadata and logger of one delivery.
type MessageContextBase struct {
	Metadata metadatapkg.Metadata
	Logger   loggingpkg.ServiceLogger
}

// CloneMetadata returns a copy of the current metadata map so handlers can safely
// mutate headers for outgoing events without touching the original map.
func (b MessageContextBase) CloneMetadata() metadatapkg.Metadata {
	return b.Metadata.Clone()
}

// Get retrieves a metadata value by key.
func (b MessageContextBase) Get(key string) string {
	return b.Metadata[key]
}

// CorrelationID returns the correlation ID from metadata, if present.
func (b MessageContextBase) CorrelationID() string {
	return b.Metadata[metadatapkg.KeyCorrelationID]
}

// Redelivered reports whether the broker flagged the delivery as a redelivery.
func (b MessageContextBase) Redelivered() bool {
	return b.Metadata[metadatapkg.KeyRedelivered] == "true"
}

// StageMessageContext is a decoded delivery handed to a transition.
type StageMessageContext struct {
	MessageContextBase
	Event envelope.Envelope
}

// Fields returns the log fields identifying the delivery.
func (c StageMessageContext) Fields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"order_id":   c.Event.OrderID,
		"event_type": string(c.Event.Type),
	}
	if id := c.CorrelationID(); id != "" {
		fields["correlation_id"] = id
	}
	if c.Redelivered() {
		fields["redelivered"] = true
	}
	return fields
}
