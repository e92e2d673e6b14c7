package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/broker"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/session"
)

// Config holds router settings.
type Config struct {
	// PublishTimeout bounds each broker publish. Zero leaves the caller's
	// context as the only bound.
	PublishTimeout time.Duration
}

// RouterStats contains runtime statistics.
type RouterStats struct {
	Published      int64
	Delivered      int64
	DecodeErrors   int64
	DroppedDormant int64
	PushErrors     int64
}

// Router translates between client messages and broker traffic.
type Router interface {
	// Publish stamps, serializes, and publishes a chat message to its room.
	// Returns the stamped message so callers can acknowledge the timestamp.
	Publish(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error)

	// Deliver decodes a broker payload and pushes it to the owning session
	// if that session is live. Dormant sessions discard silently.
	Deliver(sessionID string, payload []byte)

	// Stats returns current router statistics.
	Stats() RouterStats
}

// routerImpl implements the Router interface.
type routerImpl struct {
	cfg      Config
	broker   broker.Broker
	registry session.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	stats RouterStats
}

// NewRouter creates a new Message Router.
func NewRouter(cfg Config, b broker.Broker, registry session.Registry, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}

	return &routerImpl{
		cfg:      cfg,
		broker:   b,
		registry: registry,
		logger:   logger,
	}
}

// Publish stamps the message if needed and publishes it under chat.<room>.
func (r *routerImpl) Publish(ctx context.Context, msg model.ChatMessage) (model.ChatMessage, error) {
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return model.ChatMessage{}, fmt.Errorf("marshal message: %w", err)
	}

	if r.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.PublishTimeout)
		defer cancel()
	}

	if err := r.broker.Publish(ctx, broker.RoutingKey(msg.Room), body); err != nil {
		return model.ChatMessage{}, err
	}

	r.mu.Lock()
	r.stats.Published++
	r.mu.Unlock()

	r.logger.Debug("published message",
		"room", msg.Room,
		"sender", msg.UserID,
	)

	return msg, nil
}

// Deliver pushes a broker payload to the owning session if it is live.
func (r *routerImpl) Deliver(sessionID string, payload []byte) {
	var msg model.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.mu.Lock()
		r.stats.DecodeErrors++
		r.mu.Unlock()

		r.logger.Warn("dropping undecodable broker payload",
			"session_id", sessionID,
			"error", err,
		)
		return
	}

	// Liveness is checked at delivery time: the session may have
	// disconnected after this message was published. Dropping is the
	// policy, not an error; the queue is session-scoped.
	t, live := r.registry.Resolve(sessionID)
	if !live {
		r.mu.Lock()
		r.stats.DroppedDormant++
		r.mu.Unlock()

		r.logger.Debug("discarding delivery for dormant session",
			"session_id", sessionID,
			"room", msg.Room,
		)
		return
	}

	if err := t.Send(payload); err != nil {
		r.mu.Lock()
		r.stats.PushErrors++
		r.mu.Unlock()

		r.logger.Warn("push to client failed",
			"session_id", sessionID,
			"room", msg.Room,
			"error", err,
		)
		return
	}

	r.mu.Lock()
	r.stats.Delivered++
	r.mu.Unlock()
}

// Stats returns current router statistics.
func (r *routerImpl) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
