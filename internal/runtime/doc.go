/*
Package runtime runs a stage of the order-fulfillment chain.

# Architecture Overview

A stage consumes one queue, applies its transition and publishes the next
event of the chain. The runtime is built on a Watermill router whose
subscriber and publisher sit directly on a broker channel, so the router's
ack and nack are the broker's ack and nack.

# Sessions

Start dials the broker through the transport registry, retrying at a fixed
interval until it succeeds. Each connection gets a session:

  - the stage topology is declared (idempotent; a property mismatch stops
    the stage)
  - a fresh router is assembled with the middleware chain
  - the stage handler consumes with prefetch 1

When the connection drops the session is torn down, the unacknowledged
delivery returns to its queue and a new session starts.

# Delivery lifecycle

	RECEIVED -> DECODED -> APPLIED -> PUBLISHED -> ACKNOWLEDGED
	RECEIVED -> DECODE_FAILED | REJECTED -> DEAD_LETTERED

A delivery is acknowledged only after the next event was published. Every
failure, including panics, nacks without requeue so the broker moves the
delivery to the stage dead-letter queue. Nothing is retried in process.

# Middleware (middleware.go)

DefaultMiddlewares, outermost first:

  - correlation_id: ensures a correlation id header
  - log_messages: trace-level payload logging
  - tracer: one OpenTelemetry span per delivery
  - metrics: Watermill Prometheus router metrics when enabled
  - outcome: runs JobHooks (dead-letter logging, StageMetrics, StageStats)
  - recoverer: turns panics into errors

# Observability

StageMetrics exposes orderflow_stage_* collectors. With metrics enabled the
service serves /metrics and /stages on the metrics port.
*/
package runtime
