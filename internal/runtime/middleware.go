package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	idspkg "github.com/drblury/orderflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/orderflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/orderflow/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/orderflow/stage"

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// session router. Builders run once per broker session.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain, outermost first.
// There is no retry middleware: a failed delivery is dead-lettered, never
// retried in process.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		OutcomeMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when metrics
// are enabled. The builder decorates the router itself and contributes no
// handler middleware of its own.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if !s.Conf.MetricsEnabled {
				return nil, nil
			}

			metricsBuilder := metrics.NewPrometheusMetricsBuilder(
				s.registerer,
				"orderflow",
				"router",
			)
			metricsBuilder.AddPrometheusRouterMetrics(s.router)
			return nil, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs the payload and metadata of handled messages at
// trace level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return tracerMiddleware(s.stage.Name), nil
		},
	}
}

// OutcomeMiddleware runs the service hooks: dead-letter logging, stage
// metrics, status counters and any caller supplied hooks.
func OutcomeMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "outcome",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(s.stage.Name, s.hooks), nil
		},
	}
}

// RecovererMiddleware converts panics into handler errors so the delivery is
// dead-lettered instead of crashing the stage.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// registerMiddleware attaches the supplied middleware to the session router.
func (s *Service) registerMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

// logMessagesMiddleware logs all processed messages with their metadata.
func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Trace("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func tracerMiddleware(stage string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			tracer := otel.Tracer(tracerName)
			ctx, span := tracer.Start(
				msg.Context(),
				"ProcessDelivery",
			)
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("orderflow.stage", stage),
				attribute.String("message.uuid", msg.UUID),
				attribute.String("orderflow.correlation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
			)

			msgs, err := h(msg)
			// order_id is known once the handler has decoded the body.
			span.SetAttributes(attribute.String("orderflow.order_id", msg.Metadata.Get(metadatapkg.KeyOrderID)))
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, RejectionReason(err))
			}
			return msgs, err
		}
	}
}
