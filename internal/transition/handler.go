package transition

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/orderflow/internal/envelope"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/runtime/ids"
	"github.com/drblury/orderflow/internal/store"
)

// ReasonSimulated is the rejection reason for force_fail events.
const ReasonSimulated = "simulated failure"

// Applier is implemented by every stage handler.
type Applier interface {
	Stage() string
	Inbound() envelope.Type
	Outbound() envelope.Type
	Apply(ctx context.Context, in envelope.Envelope) Outcome
}

// Handler is a generic stage transition: derive builds the record for an
// accepted event and emit builds the next event from the stored record. The
// next event is always derived from what was stored first, so a redelivered
// event republishes the original values.
type Handler struct {
	stage    string
	status   store.Status
	inbound  envelope.Type
	outbound envelope.Type
	store    store.Store
	opts     options

	derive func(in envelope.Envelope, now time.Time, opts options) (any, error)
	emit   func(next envelope.Envelope, rec store.Record) (envelope.Envelope, error)
}

type options struct {
	now      func() time.Time
	tracking func() string
}

// Option customises a Handler.
type Option func(*options)

// WithClock sets the clock used for record timestamps and delivery estimates.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTrackingNumbers sets the tracking number generator used by shipping.
func WithTrackingNumbers(next func() string) Option {
	return func(o *options) {
		if next != nil {
			o.tracking = next
		}
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, tracking: ids.TrackingNumber}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (h *Handler) Stage() string           { return h.stage }
func (h *Handler) Inbound() envelope.Type  { return h.inbound }
func (h *Handler) Outbound() envelope.Type { return h.outbound }

// Apply decides the fate of one inbound event. force_fail rejects without
// touching the store; a store failure rejects and is never ignored.
func (h *Handler) Apply(ctx context.Context, in envelope.Envelope) Outcome {
	if in.ForceFail {
		return Rejected(errspkg.KindSimulated, ReasonSimulated, errspkg.ErrSimulatedFailure)
	}

	now := h.opts.now().UTC().Truncate(time.Second)
	fields, err := h.derive(in, now, h.opts)
	if err != nil {
		return Rejected(errspkg.KindOther, "derive record", err)
	}
	data, err := encodeData(fields)
	if err != nil {
		return Rejected(errspkg.KindOther, "encode record", err)
	}

	rec, res, err := h.store.Persist(ctx, store.Record{
		Stage:     h.stage,
		OrderID:   in.OrderID,
		UserID:    in.UserID,
		Status:    h.status,
		Data:      data,
		CreatedAt: now,
	})
	if err != nil {
		return Rejected(errspkg.KindPersistence, "persist "+h.stage+" record", err)
	}

	next, err := h.emit(in.Next(h.outbound), rec)
	if err != nil {
		return Rejected(errspkg.KindPersistence, "read stored "+h.stage+" record", err)
	}
	return Accepted(next, rec, res)
}

// ForStage returns the handler for a stage name.
func ForStage(name string, st store.Store, opts ...Option) (Applier, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	switch name {
	case StagePayment:
		return NewPayment(st, opts...), nil
	case StageInventory:
		return NewInventory(st, opts...), nil
	case StageShipping:
		return NewShipping(st, opts...), nil
	default:
		return nil, fmt.Errorf("%w: no transition for stage %q", errspkg.ErrStageRequired, name)
	}
}
