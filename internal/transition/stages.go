package transition

import (
	"fmt"
	"time"

	"github.com/drblury/orderflow/internal/envelope"
	"github.com/drblury/orderflow/internal/runtime/jsoncodec"
	"github.com/drblury/orderflow/internal/store"
)

const (
	StagePayment   = "payment"
	StageInventory = "inventory"
	StageShipping  = "shipping"
)

// StockAfterReservation is the simulated stock level recorded by every
// reservation.
const StockAfterReservation = 95

// DeliveryWindow is the shipping estimate added to the shipment creation time.
const DeliveryWindow = 72 * time.Hour

type paymentData struct {
	Authorized bool `json:"authorized"`
}

type reservationData struct {
	Reserved       bool `json:"reserved"`
	StockAvailable int  `json:"stock_available"`
}

type shipmentData struct {
	TrackingNumber    string    `json:"tracking_number"`
	EstimatedDelivery time.Time `json:"estimated_delivery"`
}

// NewPayment authorizes every order that is not flagged to fail.
func NewPayment(st store.Store, opts ...Option) *Handler {
	return &Handler{
		stage:    StagePayment,
		status:   store.StatusAuthorized,
		inbound:  envelope.OrderCreated,
		outbound: envelope.PaymentAuthorized,
		store:    st,
		opts:     newOptions(opts),
		derive: func(envelope.Envelope, time.Time, options) (any, error) {
			return paymentData{Authorized: true}, nil
		},
		emit: func(next envelope.Envelope, _ store.Record) (envelope.Envelope, error) {
			return next, nil
		},
	}
}

// NewInventory reserves stock, leaving the simulated level at 95.
func NewInventory(st store.Store, opts ...Option) *Handler {
	return &Handler{
		stage:    StageInventory,
		status:   store.StatusReserved,
		inbound:  envelope.PaymentAuthorized,
		outbound: envelope.InventoryReserved,
		store:    st,
		opts:     newOptions(opts),
		derive: func(envelope.Envelope, time.Time, options) (any, error) {
			return reservationData{Reserved: true, StockAvailable: StockAfterReservation}, nil
		},
		emit: func(next envelope.Envelope, rec store.Record) (envelope.Envelope, error) {
			var data reservationData
			if err := jsoncodec.Unmarshal(rec.Data, &data); err != nil {
				return envelope.Envelope{}, err
			}
			reserved := data.Reserved
			next.StockReserved = &reserved
			return next, nil
		},
	}
}

// NewShipping creates a shipment with a fresh tracking number and a delivery
// estimate three days after creation.
func NewShipping(st store.Store, opts ...Option) *Handler {
	return &Handler{
		stage:    StageShipping,
		status:   store.StatusReady,
		inbound:  envelope.InventoryReserved,
		outbound: envelope.ShippingReady,
		store:    st,
		opts:     newOptions(opts),
		derive: func(_ envelope.Envelope, now time.Time, o options) (any, error) {
			return shipmentData{
				TrackingNumber:    o.tracking(),
				EstimatedDelivery: now.Add(DeliveryWindow),
			}, nil
		},
		emit: func(next envelope.Envelope, rec store.Record) (envelope.Envelope, error) {
			var data shipmentData
			if err := jsoncodec.Unmarshal(rec.Data, &data); err != nil {
				return envelope.Envelope{}, err
			}
			if data.TrackingNumber == "" {
				return envelope.Envelope{}, fmt.Errorf("shipment %s has no tracking number", rec.OrderID)
			}
			eta := data.EstimatedDelivery.UTC()
			next.TrackingNumber = data.TrackingNumber
			next.EstimatedDelivery = &eta
			return next, nil
		},
	}
}

func encodeData(v any) ([]byte, error) {
	return jsoncodec.Marshal(v)
}
