// Package orderflow runs an order-fulfillment choreography over a topic
// exchange. Three stages, payment, inventory and shipping, each consume one
// event type from the "orders" exchange, record their state and publish the
// next event. Nothing orchestrates the chain: the routing keys are the
// contract.
//
//	order.created -> payment -> payment.authorized -> inventory
//	  -> inventory.reserved -> shipping -> shipping.ready
//
// A stage runs as a Service: NewService picks the stage, Start connects with a
// fixed retry interval, declares the stage topology and consumes with a
// prefetch of one. A delivery is acknowledged only after the next event was
// published. Every failure (malformed payload, simulated failure,
// persistence or publish error, panic) is refused without requeue, so the
// broker moves the message to the stage's dead-letter queue through the
// "orders.dlx" exchange. A lost connection ends the session and the service
// reconnects; unacknowledged deliveries return to the queue.
//
// # Intake
//
// NewIntakeHandler serves POST /orders. It stores the order and publishes
// order.created. A repeated order id republishes the stored order so a client
// can retry a request whose publish failed.
//
// # Dead-letter queues
//
// NewDLQInspector counts, replays and purges a stage's dead-letter queue. It
// runs out of band; stages never replay on their own.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, OpenTelemetry tracing, Prometheus router metrics, outcome hooks and
// panic recovery. Custom middleware can be added via
// ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooks provide OnJobStart, OnJobDone, and OnJobError callbacks for custom
// logging, metrics collection, and alerting around each delivery. They run
// after the built-in logging, metrics and stage statistics hooks.
//
// # Transports
//
// The broker is picked by Config.PubSubSystem from a transport registry:
//   - rabbitmq: AMQP 0-9-1 through amqp091-go
//   - memory: an in-process broker with the same exchange, queue and
//     dead-letter semantics, for tests and the single-binary demo
//
// Import the transport packages for their registration side effect.
package orderflow
