package broker

import (
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Broker used by tests and broker-free local runs.
// It implements topic routing with exact routing-key matching, which is all
// the relay's chat.<room> keys require. A simulated outage destroys the
// declared queues and consumers, mirroring how exclusive auto-delete queues
// die with a real connection.
type Memory struct {
	mu           sync.Mutex
	queues       map[string]map[string]struct{} // queue -> bound routing keys
	consumers    map[string]*memConsumer        // consumer tag -> consumer
	reconnectFns []func()
	connected    bool
	closed       bool
	seq          int
}

type memConsumer struct {
	queue   string
	handler DeliveryHandler
}

// NewMemory returns a connected in-memory broker.
func NewMemory() *Memory {
	return &Memory{
		queues:    make(map[string]map[string]struct{}),
		consumers: make(map[string]*memConsumer),
		connected: true,
	}
}

// SetConnected simulates a broker outage (false) or recovery (true). An
// outage drops every queue and consumer; recovery invokes the registered
// reconnect callbacks synchronously so subscribers can rebuild.
func (m *Memory) SetConnected(v bool) {
	m.mu.Lock()
	if m.connected == v || m.closed {
		m.mu.Unlock()
		return
	}
	m.connected = v

	var fns []func()
	if v {
		fns = append([]func(){}, m.reconnectFns...)
	} else {
		m.queues = make(map[string]map[string]struct{})
		m.consumers = make(map[string]*memConsumer)
	}
	m.mu.Unlock()

	// Callbacks re-declare queues; they need the lock.
	for _, fn := range fns {
		fn()
	}
}

// OnReconnect registers a callback for post-recovery rebuilds.
func (m *Memory) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnectFns = append(m.reconnectFns, fn)
}

func (m *Memory) check() error {
	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return ErrUnavailable
	}
	return nil
}

// Publish delivers the payload synchronously to every consumer whose queue is
// bound to the routing key.
func (m *Memory) Publish(ctx context.Context, routingKey string, body []byte) error {
	m.mu.Lock()
	if err := m.check(); err != nil {
		m.mu.Unlock()
		return err
	}

	var handlers []DeliveryHandler
	for _, c := range m.consumers {
		if _, bound := m.queues[c.queue][routingKey]; bound {
			handlers = append(handlers, c.handler)
		}
	}
	m.mu.Unlock()

	// Deliver outside the lock; handlers may call back into the broker.
	for _, h := range handlers {
		h(body)
	}
	return nil
}

// DeclareQueue creates a queue with a generated anonymous-style name.
func (m *Memory) DeclareQueue() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return "", err
	}

	m.seq++
	name := fmt.Sprintf("amq.gen-%d", m.seq)
	m.queues[name] = make(map[string]struct{})
	return name, nil
}

// BindQueue binds a queue to a routing key.
func (m *Memory) BindQueue(queue, routingKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	bindings, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("%w: bind: no such queue %s", ErrUnavailable, queue)
	}
	bindings[routingKey] = struct{}{}
	return nil
}

// Consume registers a handler on a queue.
func (m *Memory) Consume(queue string, handler DeliveryHandler) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return "", err
	}

	if _, ok := m.queues[queue]; !ok {
		return "", fmt.Errorf("%w: consume: no such queue %s", ErrUnavailable, queue)
	}

	m.seq++
	tag := fmt.Sprintf("ctag-%d", m.seq)
	m.consumers[tag] = &memConsumer{queue: queue, handler: handler}
	return tag, nil
}

// CancelConsumer removes a consumer; unknown tags are a no-op.
func (m *Memory) CancelConsumer(consumerTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	delete(m.consumers, consumerTag)
	return nil
}

// DeleteQueue removes a queue and any consumers still attached to it.
func (m *Memory) DeleteQueue(queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.check(); err != nil {
		return err
	}

	delete(m.queues, queue)
	for tag, c := range m.consumers {
		if c.queue == queue {
			delete(m.consumers, tag)
		}
	}
	return nil
}

// Connected reports whether the broker is usable.
func (m *Memory) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

// Close marks the broker closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// QueueCount reports the number of declared queues, for leak assertions.
func (m *Memory) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// ConsumerCount reports the number of registered consumers.
func (m *Memory) ConsumerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.consumers)
}
