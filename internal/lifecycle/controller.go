package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/chat-relay/internal/bridge"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/router"
	"github.com/rickgao/chat-relay/internal/session"
)

// Client-facing error frame texts.
const (
	errInvalidJSON   = "Invalid JSON format"
	errProcessFailed = "Failed to process message"
	errNoRoomJoined  = "No room joined"
)

// Config holds controller settings.
type Config struct {
	DefaultRoom string
}

// Stats aggregates component statistics for observability endpoints.
type Stats struct {
	Sessions      int
	Live          int
	Subscriptions int
	Router        router.RouterStats
}

// Controller orchestrates session creation, room entry, message flow, and
// termination.
type Controller struct {
	cfg      Config
	registry session.Registry
	bridge   bridge.Bridge
	router   router.Router
	logger   *slog.Logger

	// Per-session lifecycle locks: connect and disconnect on the same
	// session must not interleave.
	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewController creates a new Session Lifecycle Controller.
func NewController(cfg Config, registry session.Registry, b bridge.Bridge, r router.Router, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultRoom == "" {
		cfg.DefaultRoom = "general"
	}

	return &Controller{
		cfg:      cfg,
		registry: registry,
		bridge:   b,
		router:   r,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// sessionLock returns the lifecycle lock for one session, creating it on
// first use. Lock entries are never removed; sessions persist anyway.
func (c *Controller) sessionLock(sessionID string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	l, ok := c.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[sessionID] = l
	}
	return l
}

// IssueSession registers a new dormant session. No broker interaction: a
// subscription exists only once a room is joined.
func (c *Controller) IssueSession() string {
	id := c.registry.Issue()
	c.logger.Info("session issued", "session_id", id)
	return id
}

// OnConnect attaches a transport, enters the requested room, and installs
// the broker subscription. Fails with session.ErrUnknownSession before any
// broker call for identifiers that were never issued.
func (c *Controller) OnConnect(ctx context.Context, sessionID string, t session.Transport, requestedRoom string) error {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	room := requestedRoom
	if room == "" {
		room = c.cfg.DefaultRoom
	}

	// Attach before subscribing so the session resolves as live by the time
	// the first delivery can arrive.
	if err := c.registry.Attach(sessionID, t); err != nil {
		return err
	}
	if err := c.registry.SetRoom(sessionID, room); err != nil {
		return err
	}

	if err := c.bridge.EnsureSubscription(ctx, sessionID, room); err != nil {
		c.registry.Detach(sessionID)
		return fmt.Errorf("subscribe session %s to %s: %w", sessionID, room, err)
	}

	c.logger.Info("session connected", "session_id", sessionID, "room", room)

	welcome := model.ChatMessage{
		UserID:    model.SystemSenderID,
		Message:   fmt.Sprintf("Welcome to room '%s', %s!", room, sessionID),
		Room:      room,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Type:      model.FrameTypeSystem,
	}
	c.push(t, welcome)

	return nil
}

// OnInbound handles one raw frame from a connected client. Malformed input
// and publish failures produce error frames; the session always survives.
func (c *Controller) OnInbound(ctx context.Context, sessionID string, data []byte) {
	t, live := c.registry.Resolve(sessionID)
	if !live {
		// Teardown race; the frame has no one to answer to.
		return
	}

	var frame model.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.push(t, model.NewError(errInvalidJSON))
		return
	}

	room := frame.Room
	if room == "" {
		current, err := c.registry.Room(sessionID)
		if err != nil || current == "" {
			c.push(t, model.NewError(errNoRoomJoined))
			return
		}
		room = current
	}

	msg := model.ChatMessage{
		UserID:  sessionID,
		Message: frame.Message,
		Room:    room,
	}

	stamped, err := c.router.Publish(ctx, msg)
	if err != nil {
		// A broker blip must not kill the connection.
		c.logger.Warn("inbound publish failed",
			"session_id", sessionID,
			"room", room,
			"error", err,
		)
		c.push(t, model.NewError(errProcessFailed))
		return
	}

	c.push(t, model.NewAck(stamped.Timestamp))
}

// OnDisconnect retires the broker subscription and marks the session
// dormant. It is the unconditional finalizer of a connection and is safe to
// call repeatedly.
func (c *Controller) OnDisconnect(ctx context.Context, sessionID string) {
	lock := c.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	c.bridge.Retire(ctx, sessionID)
	c.registry.Detach(sessionID)

	c.logger.Info("session disconnected", "session_id", sessionID)
}

// Send publishes a message on behalf of a session from the HTTP path.
// Returns session.ErrUnknownSession or session.ErrNoRoomJoined for the
// handler to map to status codes.
func (c *Controller) Send(ctx context.Context, sessionID, body string) (model.ChatMessage, error) {
	room, err := c.registry.Room(sessionID)
	if err != nil {
		return model.ChatMessage{}, err
	}
	if room == "" {
		return model.ChatMessage{}, session.ErrNoRoomJoined
	}

	return c.router.Publish(ctx, model.ChatMessage{
		UserID:  sessionID,
		Message: body,
		Room:    room,
	})
}

// Rooms lists the distinct rooms currently assigned to any session.
func (c *Controller) Rooms() []string {
	return c.registry.Rooms()
}

// Stats aggregates registry, bridge, and router statistics.
func (c *Controller) Stats() Stats {
	reg := c.registry.Stats()
	return Stats{
		Sessions:      reg.Sessions,
		Live:          reg.Live,
		Subscriptions: c.bridge.Stats().ActiveSubscriptions,
		Router:        c.router.Stats(),
	}
}

// push marshals and sends one frame, logging failures.
func (c *Controller) push(t session.Transport, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("marshal outbound frame", "error", err)
		return
	}
	if err := t.Send(data); err != nil {
		c.logger.Warn("push frame failed", "error", err)
	}
}
