// Package envelope is the wire codec for the JSON events exchanged between
// stages. Every message body is exactly one Envelope.
package envelope

import (
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
)

// Type names an event. The type doubles as the routing key it is published under.
type Type string

const (
	OrderCreated      Type = "order.created"
	PaymentAuthorized Type = "payment.authorized"
	InventoryReserved Type = "inventory.reserved"
	ShippingReady     Type = "shipping.ready"
)

// CurrentVersion is the envelope schema version written by Encode. Payloads
// without a version are read as version 1.
const CurrentVersion = 1

// Envelope is the only entity crossing the wire.
type Envelope struct {
	Type    Type   `json:"type"`
	Version int    `json:"version,omitempty"`
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`

	// order.created
	Items []string `json:"items,omitempty"`
	Total *float64 `json:"total,omitempty"`

	// inventory.reserved
	StockReserved *bool `json:"stock_reserved,omitempty"`

	// shipping.ready
	TrackingNumber    string     `json:"tracking_number,omitempty"`
	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`

	ForceFail Flag `json:"force_fail,omitempty"`
}

// Next starts the outbound envelope for t, carrying the correlation keys of e.
func (e Envelope) Next(t Type) Envelope {
	return Envelope{
		Type:    t,
		Version: CurrentVersion,
		OrderID: e.OrderID,
		UserID:  e.UserID,
	}
}

// DecodeError reports a payload the receiving stage cannot accept.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode event: %s: %v", e.Reason, e.Err)
	}
	return "decode event: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Is makes every DecodeError match errors.ErrDecode.
func (e *DecodeError) Is(target error) bool { return target == errspkg.ErrDecode }

func decodeErr(reason string, err error) *DecodeError {
	return &DecodeError{Reason: reason, Err: err}
}

// Decode parses data as the event a stage expects to receive. It fails on
// malformed JSON, a mismatched type, an unknown version or a missing field the
// expected type requires.
func Decode(data []byte, expect Type) (Envelope, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed[0] != '{' {
		return Envelope{}, decodeErr("payload is not a JSON object", nil)
	}

	var env Envelope
	if err := jsoncodec.Unmarshal(data, &env); err != nil {
		return Envelope{}, decodeErr("malformed JSON", err)
	}

	switch {
	case env.Type == "" && expect == OrderCreated:
		// Intake payloads predating the type field.
		env.Type = expect
	case env.Type == "":
		return Envelope{}, decodeErr("missing type", nil)
	case env.Type != expect:
		return Envelope{}, decodeErr(fmt.Sprintf("unexpected type %q, want %q", env.Type, expect), nil)
	}

	switch {
	case env.Version == 0:
		env.Version = 1
	case env.Version < 0 || env.Version > CurrentVersion:
		return Envelope{}, decodeErr(fmt.Sprintf("unsupported version %d", env.Version), nil)
	}

	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	if strings.TrimSpace(e.OrderID) == "" {
		return decodeErr("missing order_id", nil)
	}
	if strings.TrimSpace(e.UserID) == "" {
		return decodeErr("missing user_id", nil)
	}

	switch e.Type {
	case InventoryReserved:
		if e.StockReserved == nil {
			return decodeErr("missing stock_reserved", nil)
		}
		if !*e.StockReserved {
			return decodeErr("stock_reserved is false", nil)
		}
	case ShippingReady:
		if e.TrackingNumber == "" {
			return decodeErr("missing tracking_number", nil)
		}
		if e.EstimatedDelivery == nil {
			return decodeErr("missing estimated_delivery", nil)
		}
	}
	return nil
}

// Encode serializes e. Encoding never fails for a well-formed Envelope.
func Encode(e Envelope) []byte {
	if e.Version == 0 {
		e.Version = CurrentVersion
	}
	if e.EstimatedDelivery != nil {
		utc := e.EstimatedDelivery.UTC()
		e.EstimatedDelivery = &utc
	}
	data, err := jsoncodec.Marshal(e)
	if err != nil {
		panic(fmt.Sprintf("orderflow: encode %s envelope: %v", e.Type, err))
	}
	return data
}
