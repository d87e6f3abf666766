package agent

import (
	"context"
	"testing"
	"time"

	"tradebridge/pkg/protocol"
)

func pos(ticket int64, price, pnl float64) protocol.Position {
	return protocol.Position{
		Ticket: ticket, Symbol: "EURUSD", Side: "BUY", Qty: 0.1,
		OpenPrice: 1.1, CurrentPrice: price, FloatingPnL: pnl,
	}
}

func TestDiffPositions(t *testing.T) {
	prev := snapshotMap([]protocol.Position{
		pos(1, 1.10, 0),
		pos(2, 1.20, 5),
	})

	t.Run("no change", func(t *testing.T) {
		curr := snapshotMap([]protocol.Position{
			pos(1, 1.10, 0),
			pos(2, 1.20, 5),
		})
		added, modified, removed := diffPositions(prev, curr)
		if len(added)+len(modified)+len(removed) != 0 {
			t.Fatalf("expected empty delta, got added=%v modified=%v removed=%v",
				added, modified, removed)
		}
	})

	t.Run("add modify remove", func(t *testing.T) {
		curr := snapshotMap([]protocol.Position{
			pos(2, 1.25, 10), // price moved
			pos(3, 0.90, 0),  // new ticket
		})
		added, modified, removed := diffPositions(prev, curr)
		if len(added) != 1 || added[0].Ticket != 3 {
			t.Fatalf("expected ticket 3 added, got %v", added)
		}
		if len(modified) != 1 || modified[0].Ticket != 2 || modified[0].CurrentPrice != 1.25 {
			t.Fatalf("expected ticket 2 modified, got %v", modified)
		}
		if len(removed) != 1 || removed[0] != 1 {
			t.Fatalf("expected ticket 1 removed, got %v", removed)
		}
	})

	t.Run("qty change counts as modified", func(t *testing.T) {
		p := pos(1, 1.10, 0)
		p.Qty = 0.05 // partial close
		curr := snapshotMap([]protocol.Position{p, pos(2, 1.20, 5)})
		_, modified, removed := diffPositions(prev, curr)
		if len(modified) != 1 || modified[0].Ticket != 1 {
			t.Fatalf("expected ticket 1 modified, got %v", modified)
		}
		if len(removed) != 0 {
			t.Fatalf("unexpected removals: %v", removed)
		}
	})
}

func TestConnectBackoff(t *testing.T) {
	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{10, 60 * time.Second},
		{100, 60 * time.Second},
		{-1, 1 * time.Second},
	}
	for _, tc := range cases {
		if got := connectBackoff(tc.retry); got != tc.want {
			t.Errorf("connectBackoff(%d) = %v, want %v", tc.retry, got, tc.want)
		}
	}
}

func TestSimTerminalLifecycle(t *testing.T) {
	ctx := context.Background()
	term := NewSimTerminal(10000)

	open, err := term.Execute(ctx, protocol.TradeCommand{
		Action: protocol.ActionOpen, Symbol: "EURUSD", Side: "BUY", Qty: 0.5, Price: 1.0,
	})
	if err != nil || !open.Success {
		t.Fatalf("open failed: %+v err=%v", open, err)
	}

	term.SetPrice("EURUSD", 1.5)
	list, _ := term.Positions(ctx)
	if len(list) != 1 || list[0].FloatingPnL != 0.25 {
		t.Fatalf("expected floating pnl 0.25, got %+v", list)
	}

	info, _ := term.Account(ctx)
	if info.Equity <= info.Balance {
		t.Fatalf("equity should include floating profit: %+v", info)
	}

	closeRes, err := term.Execute(ctx, protocol.TradeCommand{
		Action: protocol.ActionClose, Ticket: open.Ticket,
	})
	if err != nil || !closeRes.Success {
		t.Fatalf("close failed: %+v err=%v", closeRes, err)
	}
	if list, _ := term.Positions(ctx); len(list) != 0 {
		t.Fatalf("position should be gone, got %v", list)
	}

	again, _ := term.Execute(ctx, protocol.TradeCommand{
		Action: protocol.ActionClose, Ticket: open.Ticket,
	})
	if again.Success {
		t.Fatal("closing a closed ticket must be rejected")
	}
}
