package metadata

// Reserved header keys carried on every event published by the choreography.
const (
	KeyCorrelationID = "correlation_id"
	KeyOrderID       = "order_id"
	KeyEventType     = "event_type"
	KeyProducer      = "producer"

	// Set by the broker subscriber from the delivery, never published.
	KeyRoutingKey  = "orderflow_routing_key"
	KeyRedelivered = "orderflow_redelivered"
)

// Metadata represents the headers carried alongside an event.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// Pick returns a new map holding only the listed keys that are present and non-empty.
func (m Metadata) Pick(keys ...string) Metadata {
	picked := make(Metadata, len(keys))
	for _, k := range keys {
		if v := m[k]; v != "" {
			picked[k] = v
		}
	}
	return picked
}

// Outbound returns the headers for the next event in the chain. Correlation is
// propagated, everything delivery-specific is dropped.
func Outbound(in Metadata, eventType, orderID, producer string) Metadata {
	out := in.Pick(KeyCorrelationID)
	out[KeyEventType] = eventType
	out[KeyOrderID] = orderID
	out[KeyProducer] = producer
	return out
}
