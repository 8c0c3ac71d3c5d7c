package handlers

import (
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/orderflow/internal/envelope"
	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
	"github.com/drblury/orderflow/internal/transition"
)

// BuildStageHandler turns a transition into the router handler for its stage.
//
// The handler decodes the delivery, applies the transition and, when it is
// accepted, publishes the next event before returning. A nil return lets the
// router ack; any error makes it nack, which dead-letters the delivery since
// the subscriber never requeues a refused message. Errors are always
// *errors.DeliveryError so the kind survives to logs and metrics.
func BuildStageHandler(applier transition.Applier, publisher message.Publisher, logger loggingpkg.ServiceLogger) (message.NoPublishHandlerFunc, error) {
	if applier == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	logger = logger.With(loggingpkg.LogFields{"stage": applier.Stage()})

	return func(msg *message.Message) error {
		base := MessageContextBase{
			Metadata: metadatapkg.FromWatermill(msg.Metadata),
			Logger:   logger,
		}

		event, err := envelope.Decode(msg.Payload, applier.Inbound())
		if err != nil {
			return errspkg.Reject(errspkg.KindDecode, "decode "+string(applier.Inbound()), err)
		}
		// Publishers are not required to stamp order_id, so the body wins.
		msg.Metadata.Set(metadatapkg.KeyOrderID, event.OrderID)
		base.Metadata = base.Metadata.With(metadatapkg.KeyOrderID, event.OrderID)
		mc := StageMessageContext{MessageContextBase: base, Event: event}
		logger.Debug("Delivery received", mc.Fields().With("payload", string(msg.Payload)))

		outcome := applier.Apply(msg.Context(), event)
		if !outcome.IsAccepted() {
			return outcome.Err()
		}

		md := metadatapkg.Outbound(mc.Metadata, string(outcome.Next.Type), event.OrderID, applier.Stage())
		if err := PublishEvent(msg.Context(), publisher, outcome.Next, md); err != nil {
			return errspkg.Reject(errspkg.KindPublish, "publish "+string(outcome.Next.Type), err)
		}

		logger.Info("Event accepted", mc.Fields().
			With("published", string(outcome.Next.Type)).
			With("record", outcome.Result.String()))
		return nil
	}, nil
}
