package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/openjamlab/jamlink/internal/app"
)

func newTestPollManager(t *testing.T) (*PollManager, *Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ctl := NewController(app.NewRegistry(), Options{})
	return NewPollManager(ctx, ctl), ctl
}

func TestPoll_JoinThroughFallbackTransport(t *testing.T) {
	m, _ := newTestPollManager(t)

	id := m.Open(Profile{})
	if !m.Push(id, []byte(`{"type":"join-room","roomId":"jam","username":"Ann"}`)) {
		t.Fatal("push to open session failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, alive := m.Poll(ctx, id)
	if !alive {
		t.Fatal("session should still be alive")
	}
	if len(events) != 1 {
		t.Fatalf("want 1 queued event, got %d", len(events))
	}
	var ev map[string]any
	if err := json.Unmarshal(events[0], &ev); err != nil {
		t.Fatalf("bad event: %v", err)
	}
	if ev["type"] != "joined-room" || ev["roomId"] != "JAM" {
		t.Fatalf("unexpected event: %v", ev)
	}
}

func TestPoll_EmptyReturnsOnContextEnd(t *testing.T) {
	m, _ := newTestPollManager(t)
	id := m.Open(Profile{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	events, alive := m.Poll(ctx, id)
	if len(events) != 0 || !alive {
		t.Fatalf("want empty alive poll, got %d events alive=%v", len(events), alive)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("poll did not respect the request context")
	}
}

func TestPoll_UnknownSession(t *testing.T) {
	m, _ := newTestPollManager(t)
	if _, alive := m.Poll(context.Background(), "ghost"); alive {
		t.Fatal("unknown session should report not alive")
	}
	if m.Push("ghost", []byte(`{"type":"ping","timestamp":1}`)) {
		t.Fatal("push to unknown session should fail")
	}
	if m.Shutdown("ghost") {
		t.Fatal("shutdown of unknown session should fail")
	}
}

func TestPoll_ShutdownEvictsFromRoom(t *testing.T) {
	m, ctl := newTestPollManager(t)

	watcher := &fakeConn{}
	w := ctl.Register(watcher, Profile{})
	joinRoom(ctl, w, "jam", "Watcher")

	id := m.Open(Profile{})
	m.Push(id, []byte(`{"type":"join-room","roomId":"jam","username":"Polly"}`))
	watcher.reset()

	if !m.Shutdown(id) {
		t.Fatal("shutdown failed")
	}
	left := watcher.lastOfType(t, "participant-left")
	if left["username"] != "Polly" {
		t.Fatalf("room not notified of poll-session departure: %v", left)
	}
	if m.Push(id, []byte(`{"type":"ping","timestamp":1}`)) {
		t.Fatal("push after shutdown should fail")
	}
}

func TestPoll_QueueOverflowClosesSession(t *testing.T) {
	m, ctl := newTestPollManager(t)

	id := m.Open(Profile{})
	m.Push(id, []byte(`{"type":"join-room","roomId":"jam","username":"Polly"}`))

	chatty := &fakeConn{}
	c := ctl.Register(chatty, Profile{})
	joinRoom(ctl, c, "jam", "Chatty")

	// Never polled: the queue fills and the session dies instead of growing
	// without bound.
	for i := 0; i < pollQueueCap+8; i++ {
		dispatch(ctl, c, `{"type":"room-broadcast","roomId":"jam","eventName":"tick","payload":%d}`, i)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, alive := m.Poll(ctx, id)
	if alive {
		t.Fatal("overflowed session should be closed")
	}
	if len(events) == 0 {
		t.Fatal("queued events before overflow should still be delivered")
	}
	if len(events) > pollQueueCap {
		t.Fatalf("queue exceeded its bound: %d", len(events))
	}
}

func TestPollConn_TrySendAfterClose(t *testing.T) {
	c := newPollConn()
	c.Close()
	if err := c.TrySend([]byte("x")); err == nil {
		t.Fatal("send after close should error")
	}
	// Close is idempotent.
	c.Close()
}

func TestPoll_DrainOrderPreserved(t *testing.T) {
	m, _ := newTestPollManager(t)
	id := m.Open(Profile{})
	m.Push(id, []byte(`{"type":"join-room","roomId":"jam","username":"Ann"}`))
	for i := 0; i < 3; i++ {
		m.Push(id, []byte(fmt.Sprintf(`{"type":"room-broadcast","roomId":"jam","eventName":"tick","payload":%d}`, i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	events, _ := m.Poll(ctx, id)
	if len(events) != 4 {
		t.Fatalf("want 4 events, got %d", len(events))
	}
	for i, want := range []string{"joined-room", "tick", "tick", "tick"} {
		var ev map[string]any
		if err := json.Unmarshal(events[i], &ev); err != nil {
			t.Fatal(err)
		}
		if ev["type"] != want {
			t.Fatalf("event %d: want %q got %v", i, want, ev["type"])
		}
	}
}
