package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/chat-relay/internal/broker"
	"github.com/rickgao/chat-relay/internal/lifecycle"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/session"
)

// HTTP error detail texts, matching the client protocol.
const (
	detailUnknownSession = "Invalid user ID. Provide authenticated user id."
	detailNoRoom         = "User has not entered any room."
	detailSendFailed     = "Failed to send message"
)

// Config holds server behavior settings.
type Config struct {
	WriteTimeout time.Duration
}

// SendMessageRequest is the body of POST /send_message.
type SendMessageRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// Server exposes the relay over HTTP and WebSocket.
type Server struct {
	cfg        Config
	controller *lifecycle.Controller
	broker     broker.Broker
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// New creates the HTTP/WebSocket front end.
func New(cfg Config, controller *lifecycle.Controller, b broker.Broker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Server{
		cfg:        cfg,
		controller: controller,
		broker:     b,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /auth", s.handleAuth)
	mux.HandleFunc("POST /send_message", s.handleSendMessage)
	mux.HandleFunc("GET /rooms", s.handleRooms)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /chat/{session_id}", s.handleChat)

	return corsMiddleware(mux)
}

// corsMiddleware applies the allow-all CORS policy of the relay.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleAuth issues a new session identifier.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	id := s.controller.IssueSession()
	writeJSON(w, http.StatusOK, map[string]string{"user_id": id})
}

// handleSendMessage publishes a message on behalf of an issued session.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	stamped, err := s.controller.Send(r.Context(), req.UserID, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrUnknownSession):
		writeDetail(w, http.StatusForbidden, detailUnknownSession)
		return
	case errors.Is(err, session.ErrNoRoomJoined):
		writeDetail(w, http.StatusBadRequest, detailNoRoom)
		return
	case errors.Is(err, broker.ErrUnavailable):
		s.logger.Error("send_message publish failed", "user_id", req.UserID, "error", err)
		writeDetail(w, http.StatusBadGateway, detailSendFailed)
		return
	default:
		s.logger.Error("send_message failed", "user_id", req.UserID, "error", err)
		writeDetail(w, http.StatusInternalServerError, detailSendFailed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "success",
		"message":   "Message sent successfully",
		"timestamp": stamped.Timestamp,
	})
}

// handleRooms lists active rooms for observability.
func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	stats := s.controller.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"active_rooms":      s.controller.Rooms(),
		"total_connections": stats.Sessions,
	})
}

// handleHealth reports broker connectivity and session counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.controller.Stats()
	connected := s.broker.Connected()

	health := map[string]any{
		"status":        "healthy",
		"broker":        "connected",
		"live_sessions": stats.Live,
		"subscriptions": stats.Subscriptions,
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
	}

	status := http.StatusOK
	if !connected {
		health["status"] = "unhealthy"
		health["broker"] = "disconnected"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, health)
}

// handleChat upgrades to WebSocket and runs the session's read loop.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	room := r.URL.Query().Get("room")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	t := newTransport(conn, s.cfg.WriteTimeout)

	if err := s.controller.OnConnect(r.Context(), sessionID, t, room); err != nil {
		// The client-visible contract: reject before the read loop starts.
		if errors.Is(err, session.ErrUnknownSession) {
			s.sendFrame(t, model.NewError("Invalid user ID. Please authenticate first."))
		} else {
			s.logger.Error("connect failed", "session_id", sessionID, "error", err)
			s.sendFrame(t, model.NewError("Failed to join room"))
		}
		conn.Close()
		return
	}

	// From here teardown always runs exactly once, whatever ends the loop:
	// clean close, transport error, or protocol violation. The request
	// context is already canceled by then, so cleanup gets its own.
	defer func() {
		s.controller.OnDisconnect(context.Background(), sessionID)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "session_id", sessionID, "error", err)
			}
			return
		}
		s.controller.OnInbound(r.Context(), sessionID, data)
	}
}

// sendFrame marshals and pushes one frame, ignoring write failures on a
// connection that is already going away.
func (s *Server) sendFrame(t *wsTransport, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := t.Send(data); err != nil {
		s.logger.Debug("send frame failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeDetail writes the {"detail": ...} error body of the HTTP endpoints.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
