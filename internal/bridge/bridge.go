package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/chat-relay/internal/broker"
)

// Deliverer fans a broker-delivered payload back to the owning session.
type Deliverer interface {
	Deliver(sessionID string, payload []byte)
}

// BridgeStats provides statistics about active subscriptions.
type BridgeStats struct {
	ActiveSubscriptions int
}

// Bridge maps live sessions to broker-side subscriptions. Recorded
// subscriptions are rebuilt automatically after a broker reconnect.
type Bridge interface {
	// EnsureSubscription binds a session to a room, retiring any previous
	// subscription first.
	EnsureSubscription(ctx context.Context, sessionID, room string) error

	// Retire cancels and deletes a session's subscription if one exists.
	// Idempotent; safe to call on sessions that never subscribed.
	Retire(ctx context.Context, sessionID string)

	// Stats returns current subscription counts.
	Stats() BridgeStats
}

// subscription holds the broker handles needed to retire a binding.
type subscription struct {
	room        string
	queue       string
	consumerTag string
}

// bridgeImpl implements the Bridge interface.
type bridgeImpl struct {
	broker  broker.Broker
	deliver Deliverer
	logger  *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription // session id -> active subscription
}

// NewBridge creates a new Subscription Bridge.
func NewBridge(b broker.Broker, d Deliverer, logger *slog.Logger) Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	impl := &bridgeImpl{
		broker:  b,
		deliver: d,
		logger:  logger,
		subs:    make(map[string]*subscription),
	}

	// Exclusive auto-delete queues do not survive a connection drop; rebuild
	// every recorded subscription when the broker comes back.
	b.OnReconnect(impl.restoreAll)

	return impl
}

// EnsureSubscription retires any existing subscription for the session, then
// declares, binds, and consumes a fresh session-scoped queue for the room.
func (b *bridgeImpl) EnsureSubscription(ctx context.Context, sessionID, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Rebind-before-bind-new: the old subscription must be fully retired
	// before the new one exists, or the session would briefly receive two
	// rooms and repeated switches would leak queues.
	b.Retire(ctx, sessionID)

	queue, tag, err := b.install(sessionID, room)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.subs[sessionID] = &subscription{room: room, queue: queue, consumerTag: tag}
	b.mu.Unlock()

	b.logger.Info("subscription installed",
		"session_id", sessionID,
		"room", room,
		"queue", queue,
	)

	return nil
}

// install declares, binds, and consumes a fresh session-scoped queue.
func (b *bridgeImpl) install(sessionID, room string) (queue, tag string, err error) {
	queue, err = b.broker.DeclareQueue()
	if err != nil {
		return "", "", fmt.Errorf("declare queue for session %s: %w", sessionID, err)
	}

	key := broker.RoutingKey(room)
	if err = b.broker.BindQueue(queue, key); err != nil {
		b.discardQueue(queue)
		return "", "", fmt.Errorf("bind queue %s to %s: %w", queue, key, err)
	}

	tag, err = b.broker.Consume(queue, func(body []byte) {
		b.deliver.Deliver(sessionID, body)
	})
	if err != nil {
		b.discardQueue(queue)
		return "", "", fmt.Errorf("start consumer on %s: %w", queue, err)
	}

	return queue, tag, nil
}

// restoreAll rebuilds every recorded subscription after a broker reconnect.
// The queues and consumers died with the old connection, so the recorded
// handles refer to nothing; each session gets a fresh declare/bind/consume
// on the new connection.
func (b *bridgeImpl) restoreAll() {
	b.mu.Lock()
	rooms := make(map[string]string, len(b.subs))
	for id, sub := range b.subs {
		rooms[id] = sub.room
	}
	b.mu.Unlock()

	for id, room := range rooms {
		b.restore(id, room)
	}
}

// restore re-installs one subscription. The new handles are kept only if the
// session still wants the same room; a concurrent retire or switch wins.
func (b *bridgeImpl) restore(sessionID, room string) {
	queue, tag, err := b.install(sessionID, room)
	if err != nil {
		b.logger.Error("restore subscription failed",
			"session_id", sessionID,
			"room", room,
			"error", err,
		)
		return
	}

	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok && sub.room == room {
		sub.queue = queue
		sub.consumerTag = tag
		b.mu.Unlock()

		b.logger.Info("subscription restored",
			"session_id", sessionID,
			"room", room,
			"queue", queue,
		)
		return
	}
	b.mu.Unlock()

	if err := b.broker.CancelConsumer(tag); err != nil {
		b.logger.Warn("cancel restored consumer failed", "consumer_tag", tag, "error", err)
	}
	b.discardQueue(queue)
}

// Retire cancels the consumer and deletes the queue. The handle is removed
// first so a second Retire is a no-op even if the broker calls fail; the
// queue is exclusive and auto-deleting, so it dies with the channel anyway.
func (b *bridgeImpl) Retire(ctx context.Context, sessionID string) {
	b.mu.Lock()
	sub, ok := b.subs[sessionID]
	if ok {
		delete(b.subs, sessionID)
	}
	b.mu.Unlock()

	if !ok {
		return
	}

	if err := b.broker.CancelConsumer(sub.consumerTag); err != nil {
		b.logger.Warn("cancel consumer failed",
			"session_id", sessionID,
			"consumer_tag", sub.consumerTag,
			"error", err,
		)
	}
	if err := b.broker.DeleteQueue(sub.queue); err != nil {
		b.logger.Warn("delete queue failed",
			"session_id", sessionID,
			"queue", sub.queue,
			"error", err,
		)
	}

	b.logger.Info("subscription retired",
		"session_id", sessionID,
		"room", sub.room,
		"queue", sub.queue,
	)
}

// discardQueue cleans up a queue after a failed ensure.
func (b *bridgeImpl) discardQueue(queue string) {
	if err := b.broker.DeleteQueue(queue); err != nil {
		b.logger.Warn("discard queue failed", "queue", queue, "error", err)
	}
}

// Stats returns current subscription counts.
func (b *bridgeImpl) Stats() BridgeStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BridgeStats{ActiveSubscriptions: len(b.subs)}
}
