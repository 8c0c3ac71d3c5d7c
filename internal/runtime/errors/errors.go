package errors

import (
	"context"
	sterrors "errors"
	"fmt"
)

var (
	ErrStageRequired     = sterrors.New("orderflow: stage definition is required")
	ErrHandlerRequired   = sterrors.New("orderflow: transition handler is required")
	ErrStoreRequired     = sterrors.New("orderflow: record store is required")
	ErrPublisherRequired = sterrors.New("orderflow: publisher is required")
	ErrTopicRequired     = sterrors.New("orderflow: topic is required")
	ErrConfigRequired    = sterrors.New("orderflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("orderflow: logger is required")
)

// Failure sentinels. Every non-connectivity failure is terminal for the
// delivery that caused it.
var (
	ErrConnectivity     = sterrors.New("orderflow: broker unreachable")
	ErrDecode           = sterrors.New("orderflow: malformed event")
	ErrSimulatedFailure = sterrors.New("simulated failure")
	ErrPersistence      = sterrors.New("orderflow: persistence failed")
	ErrPublish          = sterrors.New("orderflow: publish failed")
)

// Kind labels a failure for logs and dead-letter metrics.
type Kind string

const (
	KindNone         Kind = "none"
	KindConnectivity Kind = "connectivity"
	KindDecode       Kind = "decode"
	KindSimulated    Kind = "simulated"
	KindPersistence  Kind = "persistence"
	KindPublish      Kind = "publish"
	KindOther        Kind = "other"
)

// DeliveryError is returned to the router when a delivery must be
// dead-lettered. Reason is the human readable rejection reason.
type DeliveryError struct {
	Kind   Kind
	Reason string
	Err    error
}

// Reject builds a DeliveryError of the given kind.
func Reject(kind Kind, reason string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Reason: reason, Err: err}
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Classify maps an error onto its Kind. Explicit DeliveryError kinds win over
// wrapped sentinels.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	var delivery *DeliveryError
	if sterrors.As(err, &delivery) && delivery.Kind != "" {
		return delivery.Kind
	}
	switch {
	case sterrors.Is(err, ErrDecode):
		return KindDecode
	case sterrors.Is(err, ErrSimulatedFailure):
		return KindSimulated
	case sterrors.Is(err, ErrPersistence):
		return KindPersistence
	case sterrors.Is(err, ErrPublish):
		return KindPublish
	case sterrors.Is(err, ErrConnectivity):
		return KindConnectivity
	case sterrors.Is(err, context.DeadlineExceeded), sterrors.Is(err, context.Canceled):
		return KindConnectivity
	}
	return KindOther
}
