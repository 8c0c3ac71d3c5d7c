// Package transition holds the per-stage decision logic: given an inbound
// event it either accepts, persisting the stage record and deriving the next
// event, or rejects with a reason. Transport concerns live elsewhere.
package transition

import (
	"github.com/drblury/orderflow/internal/envelope"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/store"
)

// Outcome is Accepted(next event) or Rejected(reason).
type Outcome struct {
	accepted bool

	Next   envelope.Envelope
	Record store.Record
	Result store.Result

	Kind   errspkg.Kind
	Reason string
	Cause  error
}

// Accepted builds a successful outcome.
func Accepted(next envelope.Envelope, rec store.Record, res store.Result) Outcome {
	return Outcome{accepted: true, Next: next, Record: rec, Result: res, Kind: errspkg.KindNone}
}

// Rejected builds a terminal rejection.
func Rejected(kind errspkg.Kind, reason string, cause error) Outcome {
	return Outcome{Kind: kind, Reason: reason, Cause: cause}
}

// IsAccepted reports whether the event was accepted.
func (o Outcome) IsAccepted() bool {
	return o.accepted
}

// Err returns nil for an accepted outcome and a *errors.DeliveryError
// otherwise.
func (o Outcome) Err() error {
	if o.accepted {
		return nil
	}
	return errspkg.Reject(o.Kind, o.Reason, o.Cause)
}
