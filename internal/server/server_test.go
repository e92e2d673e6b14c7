package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/chat-relay/internal/bridge"
	"github.com/rickgao/chat-relay/internal/broker"
	"github.com/rickgao/chat-relay/internal/lifecycle"
	"github.com/rickgao/chat-relay/internal/router"
	"github.com/rickgao/chat-relay/internal/session"
)

// testRelay is a full relay stack over the in-memory broker behind an
// httptest server.
type testRelay struct {
	mem *broker.Memory
	srv *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	mem := broker.NewMemory()
	registry := session.NewRegistry()
	r := router.NewRouter(router.Config{}, mem, registry, nil)
	b := bridge.NewBridge(mem, r, nil)
	c := lifecycle.NewController(lifecycle.Config{DefaultRoom: "general"}, registry, b, r, nil)
	s := New(Config{WriteTimeout: time.Second}, c, mem, nil)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testRelay{mem: mem, srv: srv}
}

func (tr *testRelay) auth(t *testing.T) string {
	t.Helper()

	resp, err := http.Get(tr.srv.URL + "/auth")
	if err != nil {
		t.Fatalf("GET /auth failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /auth status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /auth body: %v", err)
	}
	if body["user_id"] == "" {
		t.Fatal("/auth returned empty user_id")
	}
	return body["user_id"]
}

func (tr *testRelay) dial(t *testing.T, sessionID, room string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/chat/" + sessionID
	if room != "" {
		url += "?room=" + room
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}

	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return frame
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthIssuesDistinctSessions(t *testing.T) {
	relay := newTestRelay(t)

	a := relay.auth(t)
	b := relay.auth(t)
	if a == b {
		t.Errorf("two /auth calls returned the same id %q", a)
	}
}

func TestSendMessage_UnknownSession(t *testing.T) {
	relay := newTestRelay(t)

	resp := postJSON(t, relay.srv.URL+"/send_message", SendMessageRequest{UserID: "never-issued", Message: "hi"})
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestSendMessage_NoRoomJoined(t *testing.T) {
	relay := newTestRelay(t)
	id := relay.auth(t)

	resp := postJSON(t, relay.srv.URL+"/send_message", SendMessageRequest{UserID: id, Message: "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendMessage_Success(t *testing.T) {
	relay := newTestRelay(t)
	id := relay.auth(t)

	conn := relay.dial(t, id, "general")
	readFrame(t, conn) // welcome

	resp := postJSON(t, relay.srv.URL+"/send_message", SendMessageRequest{UserID: id, Message: "via http"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "success" {
		t.Errorf("status field = %q, want success", body["status"])
	}
	if body["timestamp"] == "" {
		t.Error("timestamp is empty")
	}

	// The sender's own subscription sees the relayed message.
	frame := readFrame(t, conn)
	if frame["message"] != "via http" || frame["user_id"] != id {
		t.Errorf("relayed frame = %v", frame)
	}
}

func TestSendMessage_BrokerDown(t *testing.T) {
	relay := newTestRelay(t)
	id := relay.auth(t)

	conn := relay.dial(t, id, "general")
	readFrame(t, conn) // welcome

	relay.mem.SetConnected(false)

	resp := postJSON(t, relay.srv.URL+"/send_message", SendMessageRequest{UserID: id, Message: "hi"})
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestRooms(t *testing.T) {
	relay := newTestRelay(t)

	a := relay.auth(t)
	b := relay.auth(t)
	connA := relay.dial(t, a, "alpha")
	connB := relay.dial(t, b, "beta")
	readFrame(t, connA)
	readFrame(t, connB)

	resp, err := http.Get(relay.srv.URL + "/rooms")
	if err != nil {
		t.Fatalf("GET /rooms failed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		ActiveRooms      []string `json:"active_rooms"`
		TotalConnections int      `json:"total_connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /rooms body: %v", err)
	}

	if len(body.ActiveRooms) != 2 {
		t.Errorf("active_rooms = %v, want 2 rooms", body.ActiveRooms)
	}
	if body.TotalConnections != 2 {
		t.Errorf("total_connections = %d, want 2", body.TotalConnections)
	}
}

func TestHealth(t *testing.T) {
	relay := newTestRelay(t)

	resp, err := http.Get(relay.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	relay.mem.SetConnected(false)

	resp, err = http.Get(relay.srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status with broker down = %d, want 503", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /health body: %v", err)
	}
	if body["broker"] != "disconnected" {
		t.Errorf("broker = %v, want disconnected", body["broker"])
	}
}

func TestChat_UnknownSessionRejected(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, "never-issued", "general")

	frame := readFrame(t, conn)
	if frame["type"] != "error" {
		t.Errorf("frame type = %v, want error", frame["type"])
	}
	if frame["message"] != "Invalid user ID. Please authenticate first." {
		t.Errorf("frame message = %v", frame["message"])
	}

	// The server closes the connection after the error frame.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
}

func TestChat_Flow(t *testing.T) {
	relay := newTestRelay(t)
	id := relay.auth(t)

	conn := relay.dial(t, id, "general")

	welcome := readFrame(t, conn)
	if welcome["type"] != "system" || welcome["user_id"] != "system" {
		t.Fatalf("welcome frame = %v", welcome)
	}
	if welcome["room"] != "general" {
		t.Errorf("welcome room = %v, want general", welcome["room"])
	}

	// Valid message: the relay copy arrives, then the ack.
	if err := conn.WriteJSON(map[string]string{"message": "hello"}); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	relayed := readFrame(t, conn)
	if relayed["user_id"] != id || relayed["message"] != "hello" || relayed["room"] != "general" {
		t.Errorf("relayed frame = %v", relayed)
	}
	ack := readFrame(t, conn)
	if ack["type"] != "ack" || ack["status"] != "sent" {
		t.Errorf("ack frame = %v", ack)
	}

	// Malformed frame: error frame, connection stays usable.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write malformed frame: %v", err)
	}
	errFrame := readFrame(t, conn)
	if errFrame["type"] != "error" || errFrame["message"] != "Invalid JSON format" {
		t.Errorf("error frame = %v", errFrame)
	}

	if err := conn.WriteJSON(map[string]string{"message": "still alive"}); err != nil {
		t.Fatalf("write frame after error: %v", err)
	}
	relayed = readFrame(t, conn)
	if relayed["message"] != "still alive" {
		t.Errorf("relayed frame after error = %v", relayed)
	}
}

func TestCORSPreflight(t *testing.T) {
	relay := newTestRelay(t)

	req, _ := http.NewRequest(http.MethodOptions, relay.srv.URL+"/send_message", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}
