package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/authrim/authrim/internal/storage"
)

func TestAsyncBus_DeliversInOrder(t *testing.T) {
	rec := NewRecorder()
	bus := NewAsyncBus(rec, 16, nil)
	defer bus.Close()

	bus.Publish(TokenAccessIssued, "default", map[string]any{"jti": "at:1:x"})
	bus.Publish(TokenRefreshRotated, "default", map[string]any{"rtv": 2})
	bus.Publish(TokenIDIssued, "default", nil)

	if !rec.WaitFor(TokenIDIssued, 1, 2*time.Second) {
		t.Fatal("events not delivered")
	}
	got := rec.Events()
	if len(got) != 3 {
		t.Fatalf("delivered = %d, want 3", len(got))
	}
	if got[0].Type != TokenAccessIssued || got[1].Type != TokenRefreshRotated {
		t.Errorf("order lost: %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].TenantID != "default" {
		t.Errorf("tenant = %q", got[0].TenantID)
	}
	if got[0].ID == "" || got[0].At.IsZero() {
		t.Error("event missing id or timestamp")
	}
}

func TestAsyncBus_CloseDrainsBuffer(t *testing.T) {
	rec := NewRecorder()
	bus := NewAsyncBus(rec, 64, nil)

	for i := 0; i < 20; i++ {
		bus.Publish(AuthLoginSucceeded, "default", nil)
	}
	_ = bus.Close()

	if got := len(rec.ByType(AuthLoginSucceeded)); got != 20 {
		t.Errorf("delivered after close = %d, want 20", got)
	}
}

// gateSink blocks deliveries until released, to force buffer pressure.
type gateSink struct {
	gate chan struct{}
	mu   sync.Mutex
	n    int
}

func (g *gateSink) Deliver(context.Context, *Event) error {
	<-g.gate
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
	return nil
}

func TestAsyncBus_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	g := &gateSink{gate: make(chan struct{})}
	bus := NewAsyncBus(g, 2, nil)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(AuthLoginFailed, "default", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a saturated buffer")
	}
	if bus.Dropped() == 0 {
		t.Error("expected drops under buffer pressure")
	}
	close(g.gate)
	_ = bus.Close()
}

func TestRedisSink_PublishesOnChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := storage.NewRedis("redis://"+mr.Addr(), "authrim")
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })

	sink := NewRedisSink(rdb)
	sub := rdb.Client().Subscribe(context.Background(), sink.Channel())
	t.Cleanup(func() { _ = sub.Close() })
	if _, err := sub.Receive(context.Background()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus := NewAsyncBus(sink, 8, nil)
	defer bus.Close()
	bus.Publish(SessionUserDestroyed, "acme", map[string]any{"session_id": "sess_v2:3:abc"})

	select {
	case msg := <-sub.Channel():
		var e Event
		if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if e.Type != SessionUserDestroyed || e.TenantID != "acme" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message on channel")
	}
}
