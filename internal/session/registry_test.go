package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"tradebridge/internal/events"
	"tradebridge/pkg/protocol"
)

type fakeSender struct {
	mu     sync.Mutex
	sent   []protocol.Envelope
	closed bool
	fail   bool
}

func (f *fakeSender) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("send failed")
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRouteWithoutSession(t *testing.T) {
	r := NewRegistry(events.NewBus(), 30*time.Second, 3)
	err := r.Route("acct-1", protocol.Envelope{Type: protocol.TypeTradeCommand})
	if err != ErrNoActiveConnection {
		t.Fatalf("expected ErrNoActiveConnection, got %v", err)
	}
}

func TestRegisterSupersedesPriorSession(t *testing.T) {
	r := NewRegistry(events.NewBus(), 30*time.Second, 3)

	first := &fakeSender{}
	second := &fakeSender{}
	r.Register("acct-1", first, "machine-a")
	r.Register("acct-1", second, "machine-b")

	if !first.isClosed() {
		t.Fatal("superseded sender should be closed")
	}
	if err := r.Route("acct-1", protocol.Envelope{Type: protocol.TypeGetPositions}); err != nil {
		t.Fatalf("Route: %v", err)
	}
	second.mu.Lock()
	n := len(second.sent)
	second.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected new session to receive the envelope, got %d", n)
	}

	// Late unregister from the superseded connection must not evict the
	// replacement.
	r.Unregister("acct-1", first)
	if !r.IsReachable("acct-1") {
		t.Fatal("replacement session should remain reachable")
	}
}

func TestFailedSendDropsSession(t *testing.T) {
	bus := events.NewBus()
	lost, unsub := bus.Subscribe(events.EventSessionLost, 1)
	defer unsub()

	r := NewRegistry(bus, 30*time.Second, 3)
	r.Register("acct-1", &fakeSender{fail: true}, "")

	if err := r.Route("acct-1", protocol.Envelope{Type: protocol.TypeHeartbeat}); err != ErrNoActiveConnection {
		t.Fatalf("expected ErrNoActiveConnection on send failure, got %v", err)
	}
	if r.IsReachable("acct-1") {
		t.Fatal("session should be gone after failed send")
	}

	select {
	case got := <-lost:
		if got != "acct-1" {
			t.Fatalf("unexpected lost payload: %v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("expected session.lost broadcast")
	}
}

func TestStalenessDetection(t *testing.T) {
	bus := events.NewBus()
	lost, unsub := bus.Subscribe(events.EventSessionLost, 1)
	defer unsub()

	// 10ms heartbeat interval, 3x stale window.
	r := NewRegistry(bus, 10*time.Millisecond, 3)
	sender := &fakeSender{}
	r.Register("acct-1", sender, "")

	if !r.IsReachable("acct-1") {
		t.Fatal("fresh session should be reachable")
	}

	// Backdate the heartbeat beyond the stale window and sweep.
	r.mu.Lock()
	r.sessions["acct-1"].lastHeartbeat = time.Now().Add(-time.Second)
	r.mu.Unlock()
	r.sweep()

	if r.IsReachable("acct-1") {
		t.Fatal("stale session should not be reachable")
	}
	if !sender.isClosed() {
		t.Fatal("stale session sender should be closed")
	}
	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected session.lost broadcast for stale session")
	}
}

func TestMarkHeartbeatIgnoresOlderTimestamps(t *testing.T) {
	r := NewRegistry(events.NewBus(), 30*time.Second, 3)
	r.Register("acct-1", &fakeSender{}, "")

	before := r.Sessions()[0].LastHeartbeat
	r.MarkHeartbeat("acct-1", before.Add(-time.Minute))
	after := r.Sessions()[0].LastHeartbeat
	if !after.Equal(before) {
		t.Fatalf("older heartbeat must not rewind: before=%v after=%v", before, after)
	}
}
