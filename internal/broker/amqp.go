package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rickgao/chat-relay/internal/config"
)

// amqpBroker implements Broker on top of a single AMQP connection.
type amqpBroker struct {
	cfg    config.BrokerConfig
	logger *slog.Logger

	// Connection state
	mu        sync.RWMutex
	conn      *amqp.Connection
	ch        *amqp.Channel
	connected bool

	done   chan struct{}
	closed bool

	// Reconnect subscribers, appended under mu.
	reconnectFns []func()

	// Consumer tag generation
	tagSeq atomic.Int64
}

// Dial connects to the broker, declares the topic exchange, and starts the
// reconnect monitor.
func Dial(cfg config.BrokerConfig, logger *slog.Logger) (Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &amqpBroker{
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	if err := b.dial(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	go b.monitorLoop()

	logger.Info("broker connected", "exchange", cfg.Exchange)

	return b, nil
}

// dial establishes a fresh connection, channel, and exchange declaration.
func (b *amqpBroker) dial() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		b.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", b.cfg.Exchange, err)
	}

	b.mu.Lock()
	b.conn = conn
	b.ch = ch
	b.connected = true
	b.mu.Unlock()

	return nil
}

// monitorLoop watches for connection loss and reconnects with capped backoff.
func (b *amqpBroker) monitorLoop() {
	for {
		b.mu.RLock()
		conn := b.conn
		b.mu.RUnlock()

		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

		select {
		case <-b.done:
			return
		case amqpErr := <-closeCh:
			b.mu.Lock()
			b.connected = false
			b.mu.Unlock()

			if amqpErr != nil {
				b.logger.Warn("broker connection lost", "error", amqpErr)
			}

			if !b.reconnect() {
				return
			}
		}
	}
}

// reconnect retries dial until it succeeds or the broker handle is closed.
func (b *amqpBroker) reconnect() bool {
	delay := b.cfg.ReconnectBaseDelay

	for attempt := 1; ; attempt++ {
		select {
		case <-b.done:
			return false
		case <-time.After(delay):
		}

		if err := b.dial(); err != nil {
			b.logger.Warn("broker reconnect failed",
				"attempt", attempt,
				"next_delay", delay,
				"error", err,
			)
			delay *= 2
			if delay > b.cfg.ReconnectMaxDelay {
				delay = b.cfg.ReconnectMaxDelay
			}
			continue
		}

		b.logger.Info("broker reconnected", "attempt", attempt)
		b.notifyReconnect()
		return true
	}
}

// notifyReconnect tells subscribers the connection is fresh. The old
// channel's exclusive queues and consumers are gone; subscribers re-declare
// what they need. Runs on the monitor goroutine.
func (b *amqpBroker) notifyReconnect() {
	b.mu.RLock()
	fns := append([]func(){}, b.reconnectFns...)
	b.mu.RUnlock()

	for _, fn := range fns {
		fn()
	}
}

// channel returns the live channel or ErrUnavailable.
func (b *amqpBroker) channel() (*amqp.Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrClosed
	}
	if !b.connected || b.ch == nil {
		return nil, ErrUnavailable
	}
	return b.ch, nil
}

// Publish sends a payload under the given routing key.
func (b *amqpBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx,
		b.cfg.Exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("%w: publish %s: %v", ErrUnavailable, routingKey, err)
	}
	return nil
}

// DeclareQueue creates an anonymous exclusive auto-deleting queue.
func (b *amqpBroker) DeclareQueue() (string, error) {
	ch, err := b.channel()
	if err != nil {
		return "", err
	}

	q, err := ch.QueueDeclare(
		"",    // broker-assigned name
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("%w: declare queue: %v", ErrUnavailable, err)
	}
	return q.Name, nil
}

// BindQueue binds a queue to the topic exchange.
func (b *amqpBroker) BindQueue(queue, routingKey string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	if err := ch.QueueBind(queue, routingKey, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("%w: bind %s to %s: %v", ErrUnavailable, queue, routingKey, err)
	}
	return nil
}

// Consume registers a handler on a queue with auto-ack deliveries.
func (b *amqpBroker) Consume(queue string, handler DeliveryHandler) (string, error) {
	ch, err := b.channel()
	if err != nil {
		return "", err
	}

	tag := fmt.Sprintf("relay-%d", b.tagSeq.Add(1))

	deliveries, err := ch.Consume(
		queue,
		tag,
		true,  // auto-ack
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("%w: consume %s: %v", ErrUnavailable, queue, err)
	}

	go func() {
		for d := range deliveries {
			handler(d.Body)
		}
	}()

	return tag, nil
}

// CancelConsumer stops a consumer; its delivery channel drains and closes.
func (b *amqpBroker) CancelConsumer(consumerTag string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	if err := ch.Cancel(consumerTag, false); err != nil {
		return fmt.Errorf("%w: cancel %s: %v", ErrUnavailable, consumerTag, err)
	}
	return nil
}

// DeleteQueue removes a queue along with any pending messages.
func (b *amqpBroker) DeleteQueue(queue string) error {
	ch, err := b.channel()
	if err != nil {
		return err
	}

	if _, err := ch.QueueDelete(queue, false, false, false); err != nil {
		return fmt.Errorf("%w: delete queue %s: %v", ErrUnavailable, queue, err)
	}
	return nil
}

// OnReconnect registers a callback for post-reconnect recovery.
func (b *amqpBroker) OnReconnect(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnectFns = append(b.reconnectFns, fn)
}

// Connected reports whether the connection is currently usable.
func (b *amqpBroker) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected && !b.closed
}

// Close shuts down the connection and stops the reconnect monitor.
func (b *amqpBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	conn := b.conn
	b.mu.Unlock()

	close(b.done)

	if conn != nil {
		if err := conn.Close(); err != nil {
			return fmt.Errorf("close broker connection: %w", err)
		}
	}

	b.logger.Info("broker connection closed")
	return nil
}
