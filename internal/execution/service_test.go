package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tradebridge/internal/events"
	"tradebridge/pkg/db"
	"tradebridge/pkg/protocol"
)

// fakeRouter plays the connector side: every routed TRADE_COMMAND is answered
// asynchronously through svc.Resolve, like a real result frame would be.
type fakeRouter struct {
	mu      sync.Mutex
	svc     *Service
	routed  int
	err     error // returned from Route when set
	silent  bool  // accept the command but never answer
	reject  string
	tickets int64
}

func (f *fakeRouter) Route(account string, env protocol.Envelope) error {
	f.mu.Lock()
	f.routed++
	err := f.err
	silent := f.silent
	reject := f.reject
	f.tickets++
	ticket := 555000 + f.tickets
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if silent {
		return nil
	}

	result := protocol.TradeResult{Success: true, Ticket: ticket, FillPrice: 1.1001}
	if reject != "" {
		result = protocol.TradeResult{Success: false, Error: reject}
	}
	go f.svc.Resolve(env.CorrelationID, result)
	return nil
}

func (f *fakeRouter) routeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.routed
}

type fakeMirror struct {
	mu      sync.Mutex
	adopted []db.MirroredPosition
}

func (f *fakeMirror) AdoptConfirmedOpen(_ context.Context, p db.MirroredPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adopted = append(f.adopted, p)
	return nil
}

func (f *fakeMirror) positions() []db.MirroredPosition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]db.MirroredPosition(nil), f.adopted...)
}

func newTestService(t *testing.T, maxOpen int, timeout time.Duration) (*Service, *fakeRouter, *fakeMirror, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if err := database.UpsertAccount(context.Background(), db.Account{
		ID:               "acct-1",
		MaxOpenPositions: maxOpen,
		MaxDailyTrades:   100,
	}); err != nil {
		t.Fatalf("seed account: %v", err)
	}

	router := &fakeRouter{}
	mirror := &fakeMirror{}
	svc := NewService(database, events.NewBus(), router, mirror, timeout)
	router.svc = svc
	return svc, router, mirror, database
}

func validSpec() OrderSpec {
	return OrderSpec{
		Symbol: "EURUSD",
		Side:   "BUY",
		Qty:    0.1,
		Price:  1.1,
		Stop:   1.095,
		Target: 1.11,
	}
}

func TestValidationFailsBeforeAnyNetworkCall(t *testing.T) {
	svc, router, _, _ := newTestService(t, 5, time.Second)

	tests := []struct {
		name   string
		mutate func(*OrderSpec)
	}{
		{"bad symbol", func(s *OrderSpec) { s.Symbol = "eur/usd" }},
		{"bad side", func(s *OrderSpec) { s.Side = "HOLD" }},
		{"qty too small", func(s *OrderSpec) { s.Qty = 0.001 }},
		{"qty too large", func(s *OrderSpec) { s.Qty = 1000 }},
		{"stop above buy price", func(s *OrderSpec) { s.Stop = 1.2 }},
		{"target below buy price", func(s *OrderSpec) { s.Target = 1.05 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec)
			_, err := svc.Open(context.Background(), "acct-1", spec)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
	if router.routeCount() != 0 {
		t.Fatalf("validation failures must not reach the router, got %d sends", router.routeCount())
	}
}

func TestEndToEndOpen(t *testing.T) {
	svc, _, mirror, database := newTestService(t, 5, time.Second)

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if trade.State != db.StateOpen {
		t.Fatalf("expected OPEN, got %s", trade.State)
	}
	if trade.FillPrice != 1.1001 {
		t.Fatalf("expected fill 1.1001, got %v", trade.FillPrice)
	}
	if trade.Ticket != 555001 {
		t.Fatalf("expected ticket 555001, got %d", trade.Ticket)
	}

	stored, err := database.GetTrade(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if stored.State != db.StateOpen || stored.FillPrice != 1.1001 {
		t.Fatalf("stored trade mismatch: %+v", stored)
	}

	adopted := mirror.positions()
	if len(adopted) != 1 {
		t.Fatalf("expected 1 adopted mirror position, got %d", len(adopted))
	}
	p := adopted[0]
	if p.Ticket != 555001 || p.Symbol != "EURUSD" || p.Qty != 0.1 {
		t.Fatalf("mirror position mismatch: %+v", p)
	}
}

func TestConcurrentOpensRespectCap(t *testing.T) {
	const maxOpen = 3
	const attempts = 7
	svc, _, _, _ := newTestService(t, maxOpen, time.Second)

	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Open(context.Background(), "acct-1", validSpec())
		}(i)
	}
	wg.Wait()

	succeeded, capped := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrConcurrencyViolation):
			capped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != maxOpen {
		t.Fatalf("expected exactly %d successes, got %d", maxOpen, succeeded)
	}
	if capped != attempts-maxOpen {
		t.Fatalf("expected %d cap violations, got %d", attempts-maxOpen, capped)
	}
}

func TestTimeoutFailsOpenAndCreatesNoMirror(t *testing.T) {
	svc, router, mirror, database := newTestService(t, 5, 50*time.Millisecond)
	router.silent = true

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("expected ErrCommandTimeout, got %v", err)
	}
	stored, err := database.GetTrade(context.Background(), trade.ID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if stored.State != db.StateFailedOpen {
		t.Fatalf("expected FAILED_OPEN, got %s", stored.State)
	}
	if len(mirror.positions()) != 0 {
		t.Fatal("no mirror position may exist for a timed-out open")
	}

	// The reserved slot is released: the next open succeeds.
	router.silent = false
	if _, err := svc.Open(context.Background(), "acct-1", validSpec()); err != nil {
		t.Fatalf("open after timeout rollback: %v", err)
	}
}

func TestExplicitRejectionFailsOpen(t *testing.T) {
	svc, router, _, database := newTestService(t, 5, time.Second)
	router.reject = "insufficient margin"

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	var rej *ExecutionRejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("expected ExecutionRejectedError, got %v", err)
	}
	if rej.Reason != "insufficient margin" {
		t.Fatalf("unexpected reason %q", rej.Reason)
	}
	stored, _ := database.GetTrade(context.Background(), trade.ID)
	if stored.State != db.StateFailedOpen {
		t.Fatalf("expected FAILED_OPEN, got %s", stored.State)
	}
}

func TestNoConnectionFailsFast(t *testing.T) {
	svc, router, _, database := newTestService(t, 5, time.Second)
	routeErr := errors.New("no active connector session for account")
	router.err = routeErr

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	if !errors.Is(err, routeErr) {
		t.Fatalf("expected route error surfaced, got %v", err)
	}
	stored, _ := database.GetTrade(context.Background(), trade.ID)
	if stored.State != db.StateFailedOpen {
		t.Fatalf("expected FAILED_OPEN, got %s", stored.State)
	}
}

func TestDuplicateResultIsNoOp(t *testing.T) {
	svc, _, _, database := newTestService(t, 5, time.Second)

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// Redeliver the same correlation id, as after a reconnect.
	applied := svc.Resolve(trade.CorrelationID, protocol.TradeResult{
		Success: true, Ticket: 999999, FillPrice: 9.9,
	})
	if applied {
		t.Fatal("second delivery must be a no-op")
	}
	stored, _ := database.GetTrade(context.Background(), trade.ID)
	if stored.Ticket != 555001 || stored.FillPrice != 1.1001 {
		t.Fatalf("duplicate delivery mutated the trade: %+v", stored)
	}
}

func TestCloseLifecycle(t *testing.T) {
	svc, router, _, database := newTestService(t, 5, time.Second)

	trade, err := svc.Open(context.Background(), "acct-1", validSpec())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Run("rejected close returns trade to OPEN", func(t *testing.T) {
		router.reject = "market closed"
		_, err := svc.Close(context.Background(), "acct-1", trade.ID, CloseSpec{})
		var rej *ExecutionRejectedError
		if !errors.As(err, &rej) {
			t.Fatalf("expected ExecutionRejectedError, got %v", err)
		}
		stored, _ := database.GetTrade(context.Background(), trade.ID)
		if stored.State != db.StateOpen {
			t.Fatalf("expected trade back in OPEN, got %s", stored.State)
		}
		if stored.Reason == "" {
			t.Fatal("failed close should be recorded in reason")
		}
	})

	t.Run("successful close", func(t *testing.T) {
		router.reject = ""
		closed, err := svc.Close(context.Background(), "acct-1", trade.ID, CloseSpec{})
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
		if closed.State != db.StateClosed {
			t.Fatalf("expected CLOSED, got %s", closed.State)
		}
	})

	t.Run("closing a closed trade fails validation", func(t *testing.T) {
		_, err := svc.Close(context.Background(), "acct-1", trade.ID, CloseSpec{})
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestOpenUnknownAccount(t *testing.T) {
	svc, _, _, _ := newTestService(t, 5, time.Second)
	_, err := svc.Open(context.Background(), "acct-missing", validSpec())
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for unknown account, got %v", err)
	}
}
