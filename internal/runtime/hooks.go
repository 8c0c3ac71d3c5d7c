package runtime

import (
	"context"
	sterrors "errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
)

// JobContext provides information about one delivery to hooks.
type JobContext struct {
	// Stage is the name of the stage processing the delivery.
	Stage string
	// Queue is the queue the delivery was consumed from.
	Queue string
	// MessageUUID is the unique identifier of the message.
	MessageUUID string
	// OrderID and CorrelationID are read from the message headers.
	OrderID       string
	CorrelationID string
	// Redelivered is set when the broker delivered the message before.
	Redelivered bool
	// Metadata contains the message metadata.
	Metadata message.Metadata
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the delivery started processing.
	StartedAt time.Time
	// Duration is how long the delivery took (only set in OnJobDone and OnJobError).
	Duration time.Duration
}

// Fields returns the log fields identifying the delivery.
func (c JobContext) Fields() loggingpkg.LogFields {
	return loggingpkg.LogFields{
		"stage":          c.Stage,
		"message_uuid":   c.MessageUUID,
		"order_id":       c.OrderID,
		"correlation_id": c.CorrelationID,
		"redelivered":    c.Redelivered,
	}
}

// JobHooks defines callbacks for the delivery lifecycle.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the stage handler runs.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called when the handler returned nil; the delivery is
	// acknowledged right after.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when the handler failed; the delivery is
	// dead-lettered right after.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware creates a middleware that invokes the provided hooks in
// addition to the hooks the Service was built with.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(s.stage.Name, hooks), nil
		},
	}
}

func jobHooksMiddleware(stage string, hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			startTime := time.Now()

			jobCtx := JobContext{
				Stage:         stage,
				Queue:         message.SubscribeTopicFromCtx(msg.Context()),
				MessageUUID:   msg.UUID,
				OrderID:       msg.Metadata.Get(metadatapkg.KeyOrderID),
				CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				Redelivered:   msg.Metadata.Get(metadatapkg.KeyRedelivered) == "true",
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     startTime,
			}

			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)

			jobCtx.Duration = time.Since(startTime)
			// The stage handler stamps order_id from the decoded body.
			if id := msg.Metadata.Get(metadatapkg.KeyOrderID); id != "" {
				jobCtx.OrderID = id
			}

			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else {
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(jobCtx)
				}
			}

			return msgs, err
		}
	}
}

// LoggingHooks logs every dead-lettered delivery with its error kind and
// rejection reason, and acknowledged ones at debug level.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			logger.Debug("Delivery acknowledged", ctx.Fields().
				With("duration_ms", ctx.Duration.Milliseconds()))
		},
		OnJobError: func(ctx JobContext, err error) {
			logger.Error("Delivery dead-lettered", err, ctx.Fields().
				With("kind", string(errspkg.Classify(err))).
				With("reason", RejectionReason(err)).
				With("duration_ms", ctx.Duration.Milliseconds()))
		},
	}
}

// MetricsHooks records delivery outcomes into m.
func MetricsHooks(m *StageMetrics) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			m.RecordAcknowledged(ctx.Stage, ctx.Duration)
		},
		OnJobError: func(ctx JobContext, err error) {
			m.RecordDeadLettered(ctx.Stage, errspkg.Classify(err), ctx.Duration)
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on dead letters.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}

func statsHooks(stats *StageStats) JobHooks {
	return JobHooks{
		OnJobDone: func(ctx JobContext) {
			stats.onFinish(ctx.Duration, nil)
		},
		OnJobError: func(ctx JobContext, err error) {
			stats.onFinish(ctx.Duration, err)
		},
	}
}

// RejectionReason extracts the human readable reason of a refused delivery.
func RejectionReason(err error) string {
	var delivery *errspkg.DeliveryError
	if sterrors.As(err, &delivery) && delivery.Reason != "" {
		return delivery.Reason
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
