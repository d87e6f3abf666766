// Package session tracks which connector process, if any, is currently
// reachable for each account. Exactly one live session per account; a new
// authentication supersedes the prior one.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"tradebridge/internal/events"
	"tradebridge/pkg/protocol"
)

var ErrNoActiveConnection = errors.New("no active connector session for account")

// Sender is the transport half of a connector session. Implementations must
// preserve send order per session (single logical channel).
type Sender interface {
	Send(env protocol.Envelope) error
	Close() error
}

// Info is a read-only session snapshot for the API.
type Info struct {
	Account       string    `json:"account"`
	MachineID     string    `json:"machine_id,omitempty"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Reachable     bool      `json:"reachable"`
}

type session struct {
	account       string
	sender        Sender
	machineID     string
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// Registry owns the account -> session map and staleness detection.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session

	bus        *events.Bus
	staleAfter time.Duration
	sweepEvery time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry. A session is considered stale when no
// heartbeat arrives within staleMultiplier heartbeat intervals.
func NewRegistry(bus *events.Bus, heartbeatInterval time.Duration, staleMultiplier int) *Registry {
	if staleMultiplier <= 0 {
		staleMultiplier = 3
	}
	return &Registry{
		sessions:   make(map[string]*session),
		bus:        bus,
		staleAfter: heartbeatInterval * time.Duration(staleMultiplier),
		sweepEvery: heartbeatInterval,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the staleness sweeper.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// Stop halts the sweeper and closes all remaining sessions.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for account, s := range r.sessions {
		_ = s.sender.Close()
		delete(r.sessions, account)
	}
}

// Register installs a session for an account after a successful AUTH
// handshake. Any prior session is superseded and closed.
func (r *Registry) Register(account string, sender Sender, machineID string) {
	now := time.Now()

	r.mu.Lock()
	prev := r.sessions[account]
	r.sessions[account] = &session{
		account:       account,
		sender:        sender,
		machineID:     machineID,
		connectedAt:   now,
		lastHeartbeat: now,
	}
	r.mu.Unlock()

	if prev != nil {
		log.Printf("registry: superseding session for account %s", account)
		_ = prev.sender.Close()
	}
	log.Printf("registry: session registered for account %s (machine=%s)", account, machineID)
	if r.bus != nil {
		r.bus.Publish(events.EventSessionConnected, account)
	}
}

// Unregister removes the session for an account, but only if sender still
// owns it. A superseded connection unregistering late must not evict its
// replacement.
func (r *Registry) Unregister(account string, sender Sender) {
	r.mu.Lock()
	s, ok := r.sessions[account]
	if !ok || s.sender != sender {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, account)
	r.mu.Unlock()

	log.Printf("registry: session removed for account %s", account)
	if r.bus != nil {
		r.bus.Publish(events.EventSessionLost, account)
	}
}

// Route delivers an envelope to the account's live session.
func (r *Registry) Route(account string, env protocol.Envelope) error {
	r.mu.RLock()
	s, ok := r.sessions[account]
	r.mu.RUnlock()
	if !ok {
		return ErrNoActiveConnection
	}
	if err := s.sender.Send(env); err != nil {
		// A failed send means the channel is gone; drop the session so
		// callers stop assuming reachability.
		r.Unregister(account, s.sender)
		return ErrNoActiveConnection
	}
	return nil
}

// MarkHeartbeat records liveness for an account's session.
func (r *Registry) MarkHeartbeat(account string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[account]; ok {
		if ts.After(s.lastHeartbeat) {
			s.lastHeartbeat = ts
		}
	}
}

// IsReachable reports whether a live, non-stale session exists.
func (r *Registry) IsReachable(account string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[account]
	if !ok {
		return false
	}
	return time.Since(s.lastHeartbeat) <= r.staleAfter
}

// ReachableAccounts lists accounts with live sessions.
func (r *Registry) ReachableAccounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.sessions))
	for account, s := range r.sessions {
		if time.Since(s.lastHeartbeat) <= r.staleAfter {
			out = append(out, account)
		}
	}
	return out
}

// Sessions returns a snapshot of all sessions for the API.
func (r *Registry) Sessions() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, Info{
			Account:       s.account,
			MachineID:     s.machineID,
			ConnectedAt:   s.connectedAt,
			LastHeartbeat: s.lastHeartbeat,
			Reachable:     time.Since(s.lastHeartbeat) <= r.staleAfter,
		})
	}
	return out
}

// sweep removes sessions whose heartbeat went quiet past the stale window.
func (r *Registry) sweep() {
	now := time.Now()

	r.mu.Lock()
	var stale []*session
	for account, s := range r.sessions {
		if now.Sub(s.lastHeartbeat) > r.staleAfter {
			stale = append(stale, s)
			delete(r.sessions, account)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		log.Printf("registry: session for account %s stale (last heartbeat %v ago), dropping",
			s.account, now.Sub(s.lastHeartbeat).Round(time.Second))
		_ = s.sender.Close()
		if r.bus != nil {
			r.bus.Publish(events.EventSessionLost, s.account)
		}
	}
}
