// Package autotrade runs the autonomous trading loop: on a fixed interval it
// walks the configured (account, strategy, symbol) pairs, asks the prediction
// worker for a signal, applies cooldown, daily-cap, confidence and gate
// checks, and hands surviving intents to the execution service. Every outcome
// lands in the audit log, skips included.
package autotrade

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebridge/internal/events"
	"tradebridge/internal/execution"
	"tradebridge/pkg/db"
)

// Outcome values for the audit log.
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeRejected = "REJECTED"
	OutcomeSkipped  = "SKIPPED"
	OutcomeError    = "ERROR"
)

// Opener is the slice of the execution service the scheduler needs.
type Opener interface {
	Open(ctx context.Context, account string, spec execution.OrderSpec) (*db.Trade, error)
}

type entry struct {
	pair  Pair
	gates []Gate
}

// Scheduler drives the autonomous trading cycle through a bounded worker
// pool so one slow pair cannot serialize the whole sweep.
type Scheduler struct {
	db       *db.Database
	bus      *events.Bus
	opener   Opener
	signaler Signaler

	entries  []entry
	interval time.Duration
	loc      *time.Location

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewScheduler builds the runtime entries from the configured pairs. The
// timezone names the day boundary for daily counters; gates are compiled
// once here so a bad window spec fails at startup, not mid-cycle.
func NewScheduler(database *db.Database, bus *events.Bus, opener Opener, signaler Signaler,
	quotes *SpreadTable, pairs []Pair, interval time.Duration, workers int, timezone string) (*Scheduler, error) {

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 4
	}

	entries := make([]entry, 0, len(pairs))
	for _, p := range pairs {
		var gates []Gate
		if p.WindowStart != "" || p.WindowEnd != "" {
			g, err := NewWindowGate(p.WindowStart, p.WindowEnd, loc)
			if err != nil {
				return nil, err
			}
			gates = append(gates, g)
		}
		if p.MaxSpread > 0 {
			gates = append(gates, NewSpreadGate(p.Account, p.Symbol, p.MaxSpread, quotes))
		}
		entries = append(entries, entry{pair: p, gates: gates})
	}

	return &Scheduler{
		db:       database,
		bus:      bus,
		opener:   opener,
		signaler: signaler,
		entries:  entries,
		interval: interval,
		loc:      loc,
		slots:    make(chan struct{}, workers),
	}, nil
}

// Start runs the cycle loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if len(s.entries) == 0 {
		log.Printf("autotrade: no enabled pairs, scheduler idle")
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.wg.Wait()
				return
			case <-ticker.C:
				s.RunCycle(ctx)
			}
		}
	}()
	log.Printf("autotrade: scheduler started (%d pairs, interval %v)", len(s.entries), s.interval)
}

// RunCycle evaluates every pair once, each on a worker slot.
func (s *Scheduler) RunCycle(ctx context.Context) {
	for _, e := range s.entries {
		select {
		case s.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		s.wg.Add(1)
		go func(e entry) {
			defer s.wg.Done()
			defer func() { <-s.slots }()
			s.Evaluate(ctx, e.pair, e.gates)
		}(e)
	}
}

// Wait blocks until in-flight evaluations finish. Used at shutdown and in
// tests after RunCycle.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Evaluate runs the full gate chain for one pair and records the outcome.
func (s *Scheduler) Evaluate(ctx context.Context, p Pair, gates []Gate) {
	now := time.Now()

	acct, err := s.db.GetAccount(ctx, p.Account)
	if err != nil {
		s.record(ctx, p, OutcomeError, "account lookup: "+err.Error())
		return
	}

	reason, err := s.checkCooldown(ctx, p, acct, now)
	if err != nil {
		s.record(ctx, p, OutcomeError, err.Error())
		return
	}
	if reason != "" {
		s.record(ctx, p, OutcomeSkipped, reason)
		return
	}
	reason, err = s.checkDailyCap(ctx, p, acct, now)
	if err != nil {
		s.record(ctx, p, OutcomeError, err.Error())
		return
	}
	if reason != "" {
		s.record(ctx, p, OutcomeSkipped, reason)
		return
	}

	sig, err := s.signaler.GetSignal(ctx, p.Symbol, p.Strategy)
	if err != nil {
		s.record(ctx, p, OutcomeError, "signal: "+err.Error())
		return
	}
	if sig == nil || sig.Direction == "" || sig.Direction == "NONE" {
		s.record(ctx, p, OutcomeSkipped, "no_signal")
		return
	}
	if sig.Confidence < p.MinConfidence {
		s.record(ctx, p, OutcomeSkipped, "confidence")
		return
	}
	for _, g := range gates {
		if !g.Allow(now, sig) {
			s.record(ctx, p, OutcomeSkipped, g.Name())
			return
		}
	}

	trade, err := s.opener.Open(ctx, p.Account, execution.OrderSpec{
		Symbol:   p.Symbol,
		Side:     sig.Direction,
		Qty:      p.Size,
		Stop:     sig.Stop,
		Target:   sig.Target,
		Strategy: p.Strategy,
	})
	if err != nil {
		var rejected *execution.ExecutionRejectedError
		switch {
		case errors.As(err, &rejected):
			s.record(ctx, p, OutcomeRejected, rejected.Reason)
		case errors.Is(err, execution.ErrConcurrencyViolation):
			s.record(ctx, p, OutcomeSkipped, "position_cap")
		default:
			s.record(ctx, p, OutcomeError, err.Error())
		}
		return
	}

	s.record(ctx, p, OutcomeExecuted, trade.ID)
	if s.bus != nil {
		s.bus.Publish(events.EventAutoTradeExecuted, trade)
	}
	log.Printf("autotrade: executed %s %s %.2f for account %s (trade %s)",
		sig.Direction, p.Symbol, p.Size, p.Account, trade.ID)
}

func (s *Scheduler) checkCooldown(ctx context.Context, p Pair, acct *db.Account, now time.Time) (string, error) {
	if acct.CooldownSeconds <= 0 {
		return "", nil
	}
	last, err := s.db.LastTradeAt(ctx, p.Account, p.Strategy)
	if err != nil {
		return "", fmt.Errorf("cooldown lookup: %w", err)
	}
	if last.IsZero() {
		return "", nil
	}
	if now.Sub(last) < time.Duration(acct.CooldownSeconds)*time.Second {
		return "cooldown", nil
	}
	return "", nil
}

func (s *Scheduler) checkDailyCap(ctx context.Context, p Pair, acct *db.Account, now time.Time) (string, error) {
	if acct.MaxDailyTrades <= 0 {
		return "", nil
	}
	local := now.In(s.loc)
	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	n, err := s.db.CountTradesSince(ctx, p.Account, dayStart)
	if err != nil {
		return "", fmt.Errorf("daily cap lookup: %w", err)
	}
	if n >= acct.MaxDailyTrades {
		return "daily_cap", nil
	}
	return "", nil
}

func (s *Scheduler) record(ctx context.Context, p Pair, outcome, reason string) {
	err := s.db.InsertAutoTradeLog(ctx, db.AutoTradeEntry{
		ID:        uuid.NewString(),
		AccountID: p.Account,
		Strategy:  p.Strategy,
		Symbol:    p.Symbol,
		Outcome:   outcome,
		Reason:    reason,
	})
	if err != nil {
		log.Printf("autotrade: audit write failed for %s/%s: %v", p.Account, p.Strategy, err)
	}
	if outcome != OutcomeExecuted {
		log.Printf("autotrade: %s/%s %s: %s %s", p.Account, p.Strategy, p.Symbol, outcome, reason)
	}
}
