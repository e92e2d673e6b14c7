package model

// Frame types on the outbound client protocol.
const (
	FrameTypeSystem = "system"
	FrameTypeAck    = "ack"
	FrameTypeError  = "error"
)

// SystemSenderID is the sender attached to relay-generated messages.
const SystemSenderID = "system"

// ChatMessage is the unit exchanged between clients through the broker.
// Immutable once constructed; Timestamp is assigned at publish time if empty.
type ChatMessage struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Room      string `json:"room"`
	Timestamp string `json:"timestamp,omitempty"`

	// Type distinguishes relay-generated frames ("system") from chat relays.
	// Empty for ordinary chat messages.
	Type string `json:"type,omitempty"`
}

// InboundFrame is a message frame received from a connected client.
type InboundFrame struct {
	Message string `json:"message"`
	Room    string `json:"room,omitempty"`
}

// AckFrame confirms a successful publish back to the sending client.
type AckFrame struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ErrorFrame reports a client-visible failure without closing the session.
type ErrorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAck builds the standard "sent" acknowledgment for a stamped message.
func NewAck(timestamp string) AckFrame {
	return AckFrame{Type: FrameTypeAck, Status: "sent", Timestamp: timestamp}
}

// NewError builds an error frame with the given client-facing text.
func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: FrameTypeError, Message: msg}
}
