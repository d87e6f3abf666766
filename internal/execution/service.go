// Package execution turns an order intent into a confirmed or failed state
// change. The local record is provisional until the terminal acknowledges the
// command's correlation id: confirm-before-commit.
package execution

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradebridge/internal/events"
	"tradebridge/pkg/db"
	"tradebridge/pkg/protocol"
)

// OrderSpec describes an open intent.
type OrderSpec struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Qty      float64 `json:"qty"`
	Price    float64 `json:"price,omitempty"`
	Stop     float64 `json:"stop,omitempty"`
	Target   float64 `json:"target,omitempty"`
	Strategy string  `json:"strategy,omitempty"`
}

// CloseSpec describes a close intent. Qty zero closes the full position.
type CloseSpec struct {
	Qty   float64 `json:"qty,omitempty"`
	Price float64 `json:"price,omitempty"`
}

// Router delivers envelopes to the account's connector session.
// *session.Registry satisfies this.
type Router interface {
	Route(account string, env protocol.Envelope) error
}

// Mirror lets the service seed the mirrored view once an open is confirmed.
// The reconciliation engine owns the mirror; this is its adoption entry point.
type Mirror interface {
	AdoptConfirmedOpen(ctx context.Context, p db.MirroredPosition) error
}

// Service executes trade intents against connector sessions.
type Service struct {
	db      *db.Database
	bus     *events.Bus
	router  Router
	mirror  Mirror
	timeout time.Duration

	mu       sync.Mutex
	accounts map[string]*sync.Mutex // per-account exclusive sections

	pendingMu sync.Mutex
	pending   map[string]chan protocol.TradeResult // correlation_id -> waiter
}

// NewService creates the execution service. timeout bounds each
// TRADE_RESULT await.
func NewService(database *db.Database, bus *events.Bus, router Router, mirror Mirror, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		db:       database,
		bus:      bus,
		router:   router,
		mirror:   mirror,
		timeout:  timeout,
		accounts: make(map[string]*sync.Mutex),
		pending:  make(map[string]chan protocol.TradeResult),
	}
}

func (s *Service) accountLock(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.accounts[account]
	if !ok {
		l = &sync.Mutex{}
		s.accounts[account] = l
	}
	return l
}

// Open executes an open intent end to end: validate, reserve a position
// slot, send the command, await the correlated result, commit or roll back.
func (s *Service) Open(ctx context.Context, account string, spec OrderSpec) (*db.Trade, error) {
	if err := validateOpen(spec); err != nil {
		return nil, err
	}
	acct, err := s.db.GetAccount(ctx, account)
	if err != nil {
		if err == db.ErrNotFound {
			return nil, &ValidationError{Field: "account", Msg: "unknown account " + account}
		}
		return nil, err
	}

	lock := s.accountLock(account)
	lock.Lock()

	// Position cap over OPEN + PENDING_OPEN, checked inside the exclusive
	// section so concurrent opens cannot race past it.
	active, err := s.db.CountActiveTrades(ctx, account)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if active >= acct.MaxOpenPositions {
		lock.Unlock()
		return nil, ErrConcurrencyViolation
	}

	correlationID := uuid.NewString()
	trade := db.Trade{
		ID:            uuid.NewString(),
		AccountID:     account,
		Strategy:      spec.Strategy,
		Symbol:        spec.Symbol,
		Side:          strings.ToUpper(spec.Side),
		Qty:           spec.Qty,
		LimitPrice:    spec.Price,
		StopPrice:     spec.Stop,
		TargetPrice:   spec.Target,
		State:         db.StatePendingOpen,
		CorrelationID: correlationID,
		CreatedAt:     time.Now(),
	}
	if err := s.db.CreateTrade(ctx, trade); err != nil {
		lock.Unlock()
		return nil, err
	}
	// The slot is reserved by the PENDING_OPEN row; the exclusive section can
	// be released while we await the terminal.
	lock.Unlock()

	cmd := protocol.TradeCommand{
		Action: protocol.ActionOpen,
		Symbol: trade.Symbol,
		Side:   trade.Side,
		Qty:    trade.Qty,
		Price:  trade.LimitPrice,
		Stop:   trade.StopPrice,
		Target: trade.TargetPrice,
	}
	result, err := s.dispatch(ctx, account, correlationID, cmd)
	if err != nil {
		s.fail(ctx, &trade, db.StatePendingOpen, db.StateFailedOpen, err)
		return &trade, err
	}
	if !result.Success {
		rejErr := &ExecutionRejectedError{Reason: result.Error}
		s.fail(ctx, &trade, db.StatePendingOpen, db.StateFailedOpen, rejErr)
		return &trade, rejErr
	}

	// Positive acknowledgement referencing our correlation id: commit.
	if err := s.db.TransitionTrade(ctx, trade.ID, db.StatePendingOpen, db.StateOpen, result.Ticket, result.FillPrice, ""); err != nil {
		return &trade, err
	}
	trade.State = db.StateOpen
	trade.Ticket = result.Ticket
	trade.FillPrice = result.FillPrice

	if s.mirror != nil {
		if err := s.mirror.AdoptConfirmedOpen(ctx, db.MirroredPosition{
			Ticket:       result.Ticket,
			AccountID:    account,
			Symbol:       trade.Symbol,
			Side:         trade.Side,
			Qty:          trade.Qty,
			OpenPrice:    result.FillPrice,
			CurrentPrice: result.FillPrice,
		}); err != nil {
			log.Printf("execution: mirror adopt for ticket %d failed: %v", result.Ticket, err)
		}
	}

	log.Printf("execution: trade %s OPEN %s %s %.2f @ %.5f ticket=%d",
		trade.ID, trade.Symbol, trade.Side, trade.Qty, trade.FillPrice, trade.Ticket)
	if s.bus != nil {
		s.bus.Publish(events.EventTradeUpdate, trade)
	}
	return &trade, nil
}

// Close executes a close intent for an OPEN trade. On failure the trade
// returns to OPEN with the failure recorded.
func (s *Service) Close(ctx context.Context, account, tradeID string, spec CloseSpec) (*db.Trade, error) {
	if err := validateClose(spec); err != nil {
		return nil, err
	}

	trade, err := s.db.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.AccountID != account {
		return nil, &ValidationError{Field: "trade_id", Msg: "trade does not belong to account"}
	}

	lock := s.accountLock(account)
	lock.Lock()
	correlationID := uuid.NewString()
	// Guarded OPEN -> PENDING_CLOSE; a concurrent close of the same trade
	// loses this race and reports the state change.
	if err := s.db.BindCorrelation(ctx, trade.ID, db.StateOpen, db.StatePendingClose, correlationID); err != nil {
		lock.Unlock()
		if err == db.ErrStateChanged {
			return nil, &ValidationError{Field: "trade_id", Msg: "trade is not open"}
		}
		return nil, err
	}
	lock.Unlock()
	trade.State = db.StatePendingClose
	trade.CorrelationID = correlationID

	qty := spec.Qty
	if qty == 0 {
		qty = trade.Qty
	}
	cmd := protocol.TradeCommand{
		Action: protocol.ActionClose,
		Symbol: trade.Symbol,
		Side:   trade.Side,
		Qty:    qty,
		Price:  spec.Price,
		Ticket: trade.Ticket,
	}
	result, err := s.dispatch(ctx, account, correlationID, cmd)
	if err != nil {
		s.failClose(ctx, trade, err)
		return trade, err
	}
	if !result.Success {
		rejErr := &ExecutionRejectedError{Reason: result.Error}
		s.failClose(ctx, trade, rejErr)
		return trade, rejErr
	}

	if err := s.db.TransitionTrade(ctx, trade.ID, db.StatePendingClose, db.StateClosed, 0, result.FillPrice, ""); err != nil {
		return trade, err
	}
	trade.State = db.StateClosed
	if result.FillPrice != 0 {
		trade.FillPrice = result.FillPrice
	}

	log.Printf("execution: trade %s CLOSED %s ticket=%d @ %.5f",
		trade.ID, trade.Symbol, trade.Ticket, result.FillPrice)
	if s.bus != nil {
		s.bus.Publish(events.EventTradeUpdate, *trade)
	}
	return trade, nil
}

// dispatch sends a TRADE_COMMAND and awaits the correlated TRADE_RESULT,
// bounded by the service timeout. No internal retry: re-sending under the
// same correlation id would be ambiguous about whether the first attempt
// executed.
func (s *Service) dispatch(ctx context.Context, account, correlationID string, cmd protocol.TradeCommand) (protocol.TradeResult, error) {
	ch := make(chan protocol.TradeResult, 1)
	s.pendingMu.Lock()
	s.pending[correlationID] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, correlationID)
		s.pendingMu.Unlock()
	}()

	env, err := protocol.NewEnvelope(protocol.TypeTradeCommand, correlationID, cmd)
	if err != nil {
		return protocol.TradeResult{}, err
	}
	if err := s.router.Route(account, env); err != nil {
		return protocol.TradeResult{}, err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
		return protocol.TradeResult{}, ErrCommandTimeout
	case <-ctx.Done():
		return protocol.TradeResult{}, ctx.Err()
	}
}

// Resolve delivers a TRADE_RESULT to its awaiting intent. Duplicate delivery
// for an already-applied correlation id is a no-op.
func (s *Service) Resolve(correlationID string, result protocol.TradeResult) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[correlationID]
	if ok {
		delete(s.pending, correlationID)
	}
	s.pendingMu.Unlock()

	if !ok {
		log.Printf("execution: dropping duplicate or unknown trade result corr=%s", correlationID)
		return false
	}
	ch <- result
	return true
}

// fail rolls back a provisional open, releasing the reserved position slot.
func (s *Service) fail(ctx context.Context, trade *db.Trade, from, to string, cause error) {
	if err := s.db.TransitionTrade(ctx, trade.ID, from, to, 0, 0, cause.Error()); err != nil {
		log.Printf("execution: rollback of trade %s failed: %v", trade.ID, err)
		return
	}
	trade.State = to
	trade.Reason = cause.Error()
	log.Printf("execution: trade %s -> %s: %v", trade.ID, to, cause)
	if s.bus != nil {
		s.bus.Publish(events.EventTradeError, *trade)
	}
}

// failClose records the failed close and returns the trade to OPEN; the
// position still exists on the terminal.
func (s *Service) failClose(ctx context.Context, trade *db.Trade, cause error) {
	reason := db.StateFailedClose + ": " + cause.Error()
	if err := s.db.TransitionTrade(ctx, trade.ID, db.StatePendingClose, db.StateOpen, 0, 0, reason); err != nil {
		log.Printf("execution: close rollback of trade %s failed: %v", trade.ID, err)
		return
	}
	trade.State = db.StateOpen
	trade.Reason = reason
	log.Printf("execution: trade %s close failed, back to OPEN: %v", trade.ID, cause)
	if s.bus != nil {
		s.bus.Publish(events.EventTradeError, *trade)
	}
}
