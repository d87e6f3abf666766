package api

import (
	"testing"
	"time"

	"tradebridge/internal/events"
	"tradebridge/internal/session"
	"tradebridge/pkg/protocol"
)

// An agent whose clock runs behind the server stamps heartbeats in the past.
// Liveness is judged at receive time, so such a session must stay reachable.
func TestHeartbeatFromSkewedClockKeepsSessionReachable(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()

	s := &Server{Registry: session.NewRegistry(bus, 50*time.Millisecond, 3)}
	sess := newWsSession(nil)
	s.Registry.Register("acct-1", sess, "machine-1")

	// Let the registration timestamp age past the stale window.
	time.Sleep(200 * time.Millisecond)

	s.dispatchConnector("acct-1", sess, protocol.Envelope{
		Type:      protocol.TypeHeartbeat,
		Timestamp: time.Now().Add(-time.Hour),
	})

	if !s.Registry.IsReachable("acct-1") {
		t.Fatal("heartbeating session marked unreachable because of agent clock skew")
	}

	select {
	case env := <-sess.out:
		if env.Type != protocol.TypePong {
			t.Fatalf("expected PONG, got %s", env.Type)
		}
	default:
		t.Fatal("heartbeat not answered with PONG")
	}
}
