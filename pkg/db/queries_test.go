package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestTransitionTradeGuardsState(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	trade := Trade{
		ID:            "trade-1",
		AccountID:     "acct-1",
		Symbol:        "EURUSD",
		Side:          "BUY",
		Qty:           0.1,
		State:         StatePendingOpen,
		CorrelationID: "corr-1",
		CreatedAt:     time.Now(),
	}
	if err := database.CreateTrade(ctx, trade); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	// PENDING_OPEN -> OPEN applies once.
	if err := database.TransitionTrade(ctx, "trade-1", StatePendingOpen, StateOpen, 555001, 1.1001, ""); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	// Same transition again must fail: the row is no longer PENDING_OPEN.
	err := database.TransitionTrade(ctx, "trade-1", StatePendingOpen, StateOpen, 555002, 1.2, "")
	if err != ErrStateChanged {
		t.Fatalf("expected ErrStateChanged, got %v", err)
	}

	got, err := database.GetTrade(ctx, "trade-1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if got.State != StateOpen || got.Ticket != 555001 || got.FillPrice != 1.1001 {
		t.Fatalf("unexpected trade after transition: %+v", got)
	}
}

func TestCountActiveTrades(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	states := []string{StateOpen, StatePendingOpen, StatePendingClose, StateClosed, StateFailedOpen}
	for i, state := range states {
		trade := Trade{
			ID:        "trade-" + state,
			AccountID: "acct-1",
			Symbol:    "EURUSD",
			Side:      "BUY",
			Qty:       0.1,
			State:     state,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		if err := database.CreateTrade(ctx, trade); err != nil {
			t.Fatalf("CreateTrade(%s): %v", state, err)
		}
	}

	// Only OPEN and PENDING_OPEN count toward the position cap.
	n, err := database.CountActiveTrades(ctx, "acct-1")
	if err != nil {
		t.Fatalf("CountActiveTrades: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 active trades, got %d", n)
	}
}

func TestCountTradesSinceExcludesFailedOpens(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	dayStart := time.Now().Add(-time.Hour)

	for _, tc := range []struct{ id, state string }{
		{"t1", StateOpen},
		{"t2", StateClosed},
		{"t3", StateFailedOpen},
	} {
		if err := database.CreateTrade(ctx, Trade{
			ID: tc.id, AccountID: "acct-1", Symbol: "EURUSD", Side: "BUY",
			Qty: 0.1, State: tc.state, CreatedAt: time.Now(),
		}); err != nil {
			t.Fatalf("CreateTrade(%s): %v", tc.id, err)
		}
	}

	n, err := database.CountTradesSince(ctx, "acct-1", dayStart)
	if err != nil {
		t.Fatalf("CountTradesSince: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 counted trades, got %d", n)
	}
}

func TestMirroredPositionRoundTrip(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()

	p := MirroredPosition{
		Ticket:       555001,
		AccountID:    "acct-1",
		Symbol:       "EURUSD",
		Side:         "BUY",
		Qty:          0.1,
		OpenPrice:    1.1001,
		CurrentPrice: 1.1020,
		FloatingPnL:  19,
		External:     true,
		Version:      3,
	}
	if err := database.UpsertMirroredPosition(ctx, p); err != nil {
		t.Fatalf("UpsertMirroredPosition: %v", err)
	}

	list, err := database.ListMirroredPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListMirroredPositions: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 position, got %d", len(list))
	}
	got := list[0]
	if got.Ticket != 555001 || !got.External || got.Version != 3 {
		t.Fatalf("unexpected position: %+v", got)
	}

	// Closed rows drop out of the listing.
	p.Closed = true
	p.Version = 4
	if err := database.UpsertMirroredPosition(ctx, p); err != nil {
		t.Fatalf("UpsertMirroredPosition closed: %v", err)
	}
	list, err = database.ListMirroredPositions(ctx, "acct-1")
	if err != nil {
		t.Fatalf("ListMirroredPositions: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no open positions, got %d", len(list))
	}
}
