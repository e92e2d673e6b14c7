// Package broker owns the process-wide connection to the message broker.
//
// The broker package:
//   - Holds the single long-lived AMQP connection and channel
//   - Declares the topic exchange used for room routing
//   - Exposes the publish/queue/consume primitives the bridge and router use
//   - Reconnects with exponential backoff when the connection drops
//
// While the connection is down every operation fails with ErrUnavailable;
// callers decide whether that is fatal. A Memory implementation backs tests
// and broker-free local runs.
package broker
