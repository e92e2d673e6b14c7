package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rickgao/chat-relay/internal/broker"
	"github.com/rickgao/chat-relay/internal/model"
	"github.com/rickgao/chat-relay/internal/session"
)

// fakeTransport records pushed frames and can be made to fail.
type fakeTransport struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("write failed")
	}
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func TestRouter_PublishAssignsTimestamp(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry()
	r := NewRouter(Config{}, m, reg, nil)

	msg := model.ChatMessage{UserID: "u1", Message: "hi", Room: "general"}
	stamped, err := r.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if stamped.Timestamp == "" {
		t.Error("Publish did not assign a timestamp")
	}
	if stamped.UserID != "u1" || stamped.Message != "hi" || stamped.Room != "general" {
		t.Errorf("stamped message = %+v, content changed", stamped)
	}

	if stats := r.Stats(); stats.Published != 1 {
		t.Errorf("Published = %d, want 1", stats.Published)
	}
}

func TestRouter_PublishKeepsExistingTimestamp(t *testing.T) {
	m := broker.NewMemory()
	r := NewRouter(Config{}, m, session.NewRegistry(), nil)

	msg := model.ChatMessage{UserID: "u1", Message: "hi", Room: "general", Timestamp: "2026-01-02T03:04:05Z"}
	stamped, err := r.Publish(context.Background(), msg)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if stamped.Timestamp != "2026-01-02T03:04:05Z" {
		t.Errorf("Timestamp = %q, want preserved value", stamped.Timestamp)
	}
}

func TestRouter_PublishBrokerDown(t *testing.T) {
	m := broker.NewMemory()
	m.SetConnected(false)
	r := NewRouter(Config{}, m, session.NewRegistry(), nil)

	_, err := r.Publish(context.Background(), model.ChatMessage{UserID: "u1", Message: "hi", Room: "general"})
	if !errors.Is(err, broker.ErrUnavailable) {
		t.Errorf("Publish error = %v, want ErrUnavailable", err)
	}
	if stats := r.Stats(); stats.Published != 0 {
		t.Errorf("Published = %d, want 0 after failed publish", stats.Published)
	}
}

// deadlineBroker records whether Publish saw a context deadline.
type deadlineBroker struct {
	broker.Broker
	hadDeadline bool
}

func (d *deadlineBroker) Publish(ctx context.Context, routingKey string, body []byte) error {
	_, d.hadDeadline = ctx.Deadline()
	return nil
}

func TestRouter_PublishTimeoutBoundsContext(t *testing.T) {
	db := &deadlineBroker{Broker: broker.NewMemory()}
	r := NewRouter(Config{PublishTimeout: time.Second}, db, session.NewRegistry(), nil)

	if _, err := r.Publish(context.Background(), model.ChatMessage{UserID: "u1", Message: "hi", Room: "general"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if !db.hadDeadline {
		t.Error("publish context carries no deadline")
	}
}

func TestRouter_RoundTrip(t *testing.T) {
	m := broker.NewMemory()
	reg := session.NewRegistry()
	r := NewRouter(Config{}, m, reg, nil)
	ctx := context.Background()

	id := reg.Issue()
	tr := &fakeTransport{}
	reg.Attach(id, tr)
	reg.SetRoom(id, "general")

	// Wire a session-scoped queue the way the bridge does.
	q, _ := m.DeclareQueue()
	m.BindQueue(q, broker.RoutingKey("general"))
	m.Consume(q, func(body []byte) { r.Deliver(id, body) })

	if _, err := r.Publish(ctx, model.ChatMessage{UserID: "u1", Message: "hi", Room: "general"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if tr.count() != 1 {
		t.Fatalf("transport frames = %d, want 1", tr.count())
	}

	var got model.ChatMessage
	if err := json.Unmarshal(tr.frames[0], &got); err != nil {
		t.Fatalf("delivered payload undecodable: %v", err)
	}
	if got.UserID != "u1" || got.Message != "hi" || got.Room != "general" {
		t.Errorf("delivered message = %+v, want original content", got)
	}
	if got.Timestamp == "" {
		t.Error("delivered message has empty timestamp")
	}
}

func TestRouter_DeliverMalformedPayloadDropped(t *testing.T) {
	reg := session.NewRegistry()
	r := NewRouter(Config{}, broker.NewMemory(), reg, nil)

	id := reg.Issue()
	tr := &fakeTransport{}
	reg.Attach(id, tr)

	r.Deliver(id, []byte("{not json"))

	if tr.count() != 0 {
		t.Errorf("transport frames = %d, want 0 for malformed payload", tr.count())
	}
	if stats := r.Stats(); stats.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", stats.DecodeErrors)
	}

	// A poisoned message must not break subsequent deliveries.
	body, _ := json.Marshal(model.ChatMessage{UserID: "u1", Message: "still works", Room: "general", Timestamp: "t"})
	r.Deliver(id, body)
	if tr.count() != 1 {
		t.Errorf("transport frames = %d, want 1 after valid delivery", tr.count())
	}
}

func TestRouter_DeliverDormantSessionDiscards(t *testing.T) {
	reg := session.NewRegistry()
	r := NewRouter(Config{}, broker.NewMemory(), reg, nil)

	id := reg.Issue()
	tr := &fakeTransport{}
	reg.Attach(id, tr)
	reg.Detach(id)

	body, _ := json.Marshal(model.ChatMessage{UserID: "u1", Message: "hi", Room: "general", Timestamp: "t"})
	r.Deliver(id, body)

	if tr.count() != 0 {
		t.Errorf("transport frames = %d, want 0 for dormant session", tr.count())
	}
	stats := r.Stats()
	if stats.DroppedDormant != 1 {
		t.Errorf("DroppedDormant = %d, want 1", stats.DroppedDormant)
	}
	if stats.Delivered != 0 {
		t.Errorf("Delivered = %d, want 0", stats.Delivered)
	}
}

func TestRouter_DeliverPushErrorCounted(t *testing.T) {
	reg := session.NewRegistry()
	r := NewRouter(Config{}, broker.NewMemory(), reg, nil)

	id := reg.Issue()
	reg.Attach(id, &fakeTransport{fail: true})

	body, _ := json.Marshal(model.ChatMessage{UserID: "u1", Message: "hi", Room: "general", Timestamp: "t"})
	r.Deliver(id, body)

	if stats := r.Stats(); stats.PushErrors != 1 {
		t.Errorf("PushErrors = %d, want 1", stats.PushErrors)
	}
}
