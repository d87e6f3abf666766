// Package reconcile resolves drift between the locally mirrored position set
// and the externally authoritative terminal state. It owns MirroredPosition
// records; trades in a PENDING_* state belong to the execution service and
// are never touched here.
package reconcile

import (
	"context"
	"log"
	"sync"
	"time"

	"tradebridge/internal/events"
	"tradebridge/pkg/db"
	"tradebridge/pkg/protocol"
)

// Router is the slice of the session registry the pull loop needs.
type Router interface {
	ReachableAccounts() []string
	Route(account string, env protocol.Envelope) error
}

// Engine keeps an in-memory mirror seeded from the DB, applies pushed deltas
// and pulled snapshots, and flags drift it cannot attribute.
type Engine struct {
	mu        sync.RWMutex
	positions map[int64]db.MirroredPosition // ticket -> position

	db       *db.Database
	bus      *events.Bus
	router   Router
	interval time.Duration
}

// NewEngine creates the reconciliation engine.
func NewEngine(database *db.Database, bus *events.Bus, router Router, interval time.Duration) *Engine {
	return &Engine{
		positions: make(map[int64]db.MirroredPosition),
		db:        database,
		bus:       bus,
		router:    router,
		interval:  interval,
	}
}

// Load seeds the in-memory mirror from the DB on startup.
func (e *Engine) Load(ctx context.Context, accounts []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, account := range accounts {
		list, err := e.db.ListMirroredPositions(ctx, account)
		if err != nil {
			return err
		}
		for _, p := range list {
			e.positions[p.Ticket] = p
		}
	}
	return nil
}

// Start begins the periodic pull loop. Each cycle asks every reachable
// connector for a full snapshot; the response comes back as a pushed
// POSITIONS_UPDATE and lands in Apply.
func (e *Engine) Start(ctx context.Context) {
	if e.router == nil || e.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, account := range e.router.ReachableAccounts() {
					env, err := protocol.NewEnvelope(protocol.TypeGetPositions, "", nil)
					if err != nil {
						continue
					}
					if err := e.router.Route(account, env); err != nil {
						log.Printf("reconcile: pull for account %s failed: %v", account, err)
					}
				}
			}
		}
	}()
	log.Printf("reconcile: pull loop started (interval %v)", e.interval)
}

// AdoptConfirmedOpen seeds the mirror for a position the execution service
// just confirmed. Version starts at zero so any terminal-side update wins.
func (e *Engine) AdoptConfirmedOpen(ctx context.Context, p db.MirroredPosition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.positions[p.Ticket]; ok && !existing.Closed {
		return nil // terminal already reported it
	}
	return e.storeLocked(ctx, p)
}

// Positions returns the open mirrored set for an account.
func (e *Engine) Positions(account string) []db.MirroredPosition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []db.MirroredPosition
	for _, p := range e.positions {
		if p.AccountID == account && !p.Closed {
			out = append(out, p)
		}
	}
	return out
}

// Apply ingests one POSITIONS_UPDATE for an account. Full snapshots run the
// set-diff; deltas apply their add/remove/modify lists under the same rules.
// A conflict never aborts the pass; it is flagged and the loop proceeds.
func (e *Engine) Apply(ctx context.Context, account string, update protocol.PositionsUpdate) {
	if update.Full {
		e.applyFull(ctx, account, update)
		e.publishOpenSet(account)
		return
	}
	for _, pos := range update.Added {
		e.upsertExternal(ctx, account, pos, update.Version, false)
	}
	for _, pos := range update.Modified {
		e.refresh(ctx, account, pos, update.Version, false)
	}
	for _, ticket := range update.Removed {
		e.handleRemoved(ctx, account, ticket)
	}
	if (len(update.Added) + len(update.Removed) + len(update.Modified)) > 0 {
		e.publishOpenSet(account)
	}
}

func (e *Engine) publishOpenSet(account string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.EventPositionsUpdate, struct {
		Account string                `json:"account"`
		Open    []db.MirroredPosition `json:"open"`
	}{account, e.Positions(account)})
}

// applyFull diffs the authoritative external set against the local mirror.
func (e *Engine) applyFull(ctx context.Context, account string, update protocol.PositionsUpdate) {
	external := make(map[int64]protocol.Position, len(update.Added))
	for _, pos := range update.Added {
		external[pos.Ticket] = pos
	}

	e.mu.RLock()
	local := make(map[int64]db.MirroredPosition)
	for ticket, p := range e.positions {
		if p.AccountID == account && !p.Closed {
			local[ticket] = p
		}
	}
	e.mu.RUnlock()

	// Externally present, locally absent: adopt.
	for ticket, pos := range external {
		if _, ok := local[ticket]; !ok {
			e.upsertExternal(ctx, account, pos, update.Version, true)
		}
	}
	// Present in both: refresh mutable fields only. The snapshot is
	// authoritative, so it rebases the version even below the stored one;
	// a connector restart resets its counter and its deltas must keep
	// landing afterwards.
	for ticket, pos := range external {
		if _, ok := local[ticket]; ok {
			e.refresh(ctx, account, pos, update.Version, true)
		}
	}
	// Locally present, externally absent: expected closure or drift.
	for ticket := range local {
		if _, ok := external[ticket]; !ok {
			e.handleRemoved(ctx, account, ticket)
		}
	}
}

// upsertExternal adopts a position the terminal reports but the mirror does
// not know, flagged as externally originated (no strategy owns it).
func (e *Engine) upsertExternal(ctx context.Context, account string, pos protocol.Position, version int64, rebase bool) {
	e.mu.RLock()
	existing, known := e.positions[pos.Ticket]
	e.mu.RUnlock()
	if known && !existing.Closed {
		e.refresh(ctx, account, pos, version, rebase)
		return
	}

	external := true
	if state, err := e.db.TradeStateForTicket(ctx, account, pos.Ticket); err == nil && state != "" {
		external = false // our own trade produced this ticket
	}

	p := db.MirroredPosition{
		Ticket:       pos.Ticket,
		AccountID:    account,
		Symbol:       pos.Symbol,
		Side:         pos.Side,
		Qty:          pos.Qty,
		OpenPrice:    pos.OpenPrice,
		CurrentPrice: pos.CurrentPrice,
		FloatingPnL:  pos.FloatingPnL,
		External:     external,
		Version:      version,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.positions[pos.Ticket]; ok && !existing.Closed {
		return
	}
	if err := e.storeLocked(ctx, p); err != nil {
		log.Printf("reconcile: adopt ticket %d failed: %v", pos.Ticket, err)
		return
	}
	if external {
		log.Printf("reconcile: adopted externally originated position ticket=%d %s %s %.2f",
			pos.Ticket, pos.Symbol, pos.Side, pos.Qty)
	}
}

// refresh updates mutable fields only, guarded by the monotonic version so a
// stale pull never overwrites a result confirmed by a fresher push. With
// rebase set the update is authoritative and its version replaces the stored
// one unconditionally.
func (e *Engine) refresh(ctx context.Context, account string, pos protocol.Position, version int64, rebase bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.positions[pos.Ticket]
	if !ok || p.Closed || p.AccountID != account {
		return
	}
	if !rebase && version <= p.Version {
		return // stale update
	}
	p.CurrentPrice = pos.CurrentPrice
	p.FloatingPnL = pos.FloatingPnL
	p.Qty = pos.Qty
	p.Version = version
	if err := e.storeLocked(ctx, p); err != nil {
		log.Printf("reconcile: refresh ticket %d failed: %v", pos.Ticket, err)
	}
}

// handleRemoved resolves a ticket the terminal no longer reports. If a trade
// completed PENDING_CLOSE -> CLOSED for it the closure is expected; if a
// pending trade still owns the ticket the execution service will resolve it;
// otherwise this is a possible silent stop-out, closed synthetically and
// flagged for review.
func (e *Engine) handleRemoved(ctx context.Context, account string, ticket int64) {
	state, err := e.db.TradeStateForTicket(ctx, account, ticket)
	if err != nil {
		log.Printf("reconcile: trade lookup for ticket %d failed: %v", ticket, err)
		return
	}
	if state == db.StatePendingOpen || state == db.StatePendingClose {
		// Owned by the execution service until resolved or expired.
		return
	}

	expected := state == db.StateClosed

	e.mu.Lock()
	p, ok := e.positions[ticket]
	if !ok || p.Closed {
		e.mu.Unlock()
		return
	}
	p.Closed = true
	p.Flagged = !expected
	if err := e.storeLocked(ctx, p); err != nil {
		log.Printf("reconcile: close ticket %d failed: %v", ticket, err)
	}
	e.mu.Unlock()

	if expected {
		log.Printf("reconcile: ticket %d closed as expected", ticket)
		return
	}
	log.Printf("reconcile: ticket %d gone externally with no recorded close, flagged for review", ticket)
	if e.bus != nil {
		e.bus.Publish(events.EventReconcileConflict, p)
	}
}

// storeLocked writes a position to the in-memory mirror and the DB.
// Caller holds e.mu.
func (e *Engine) storeLocked(ctx context.Context, p db.MirroredPosition) error {
	if err := e.db.UpsertMirroredPosition(ctx, p); err != nil {
		return err
	}
	e.positions[p.Ticket] = p
	return nil
}
