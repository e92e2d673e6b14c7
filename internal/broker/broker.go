package broker

import (
	"context"
	"errors"
)

// Errors
var (
	// ErrUnavailable indicates the broker connection is down or an operation
	// against it failed. Wrapped errors carry the underlying cause text.
	ErrUnavailable = errors.New("broker unavailable")

	// ErrClosed indicates the broker handle was closed by Close.
	ErrClosed = errors.New("broker closed")
)

// RoutingKey maps a room name to its topic routing key.
func RoutingKey(room string) string {
	return "chat." + room
}

// DeliveryHandler consumes one broker-delivered payload. Handlers must not
// block for long; they run on the consumer's delivery goroutine.
type DeliveryHandler func(body []byte)

// Broker exposes the publish/subscribe/consume primitives of the message
// broker. Implementations must be safe for concurrent use across sessions.
type Broker interface {
	// Publish sends a payload to the topic exchange under the given routing key.
	Publish(ctx context.Context, routingKey string, body []byte) error

	// DeclareQueue creates an anonymous, exclusive, auto-deleting queue and
	// returns its broker-assigned name.
	DeclareQueue() (string, error)

	// BindQueue binds a queue to the topic exchange under a routing key.
	BindQueue(queue, routingKey string) error

	// Consume registers a delivery handler on a queue and returns the consumer
	// tag needed to cancel it. Deliveries are auto-acknowledged.
	Consume(queue string, handler DeliveryHandler) (string, error)

	// CancelConsumer stops the consumer registered under the given tag.
	CancelConsumer(consumerTag string) error

	// DeleteQueue removes a queue and any messages still on it.
	DeleteQueue(queue string) error

	// Connected reports whether the broker is currently usable.
	Connected() bool

	// OnReconnect registers a callback invoked after a dropped connection has
	// been re-established. Exclusive auto-delete queues and their consumers do
	// not survive the drop, so subscribers must rebuild them here. Callbacks
	// run outside broker locks and may call back into the broker.
	OnReconnect(fn func())

	// Close releases the connection. Subsequent operations fail.
	Close() error
}
