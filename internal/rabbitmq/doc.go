// Package rabbitmq keeps a worker's RabbitMQ subscriptions alive across
// connection loss.
//
// This package includes:
//   - ConnectionManager: owns the single broker connection, its channel and
//     the exclusive queue, and reconnects when the broker drops them
//   - Exchange: a transient fanout exchange declared at most once per
//     connection, holding subscriptions keyed by routing-key pattern
//   - Subscription: one queue binding plus broker consumer, with setup and
//     shutdown serialized against each other
//
// After an unexpected close the manager reconnects with a fixed delay
// (forever by default), redeclares every exchange and rebinds every
// subscription concurrently, so callers never have to subscribe again.
//
// Messages are acknowledged on delivery, before the consumer runs. Consumer
// errors and panics are logged and never stop the subscription.
package rabbitmq
