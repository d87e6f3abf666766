package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tradebridge/pkg/protocol"
)

// Terminal abstracts the local execution terminal the agent sits next to.
type Terminal interface {
	Positions(ctx context.Context) ([]protocol.Position, error)
	Account(ctx context.Context) (protocol.AccountInfo, error)
	Spreads(ctx context.Context) (map[string]float64, error)
	Execute(ctx context.Context, cmd protocol.TradeCommand) (protocol.TradeResult, error)
}

// SimTerminal is an in-process terminal that fills every valid command
// instantly. It backs the connector binary when no real terminal is attached
// and the agent tests.
type SimTerminal struct {
	mu         sync.Mutex
	nextTicket int64
	balance    float64
	positions  map[int64]protocol.Position
	spreads    map[string]float64
}

func NewSimTerminal(balance float64) *SimTerminal {
	return &SimTerminal{
		nextTicket: 100000,
		balance:    balance,
		positions:  make(map[int64]protocol.Position),
		spreads:    make(map[string]float64),
	}
}

// SetSpread sets the quoted spread for a symbol.
func (s *SimTerminal) SetSpread(symbol string, spread float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spreads[symbol] = spread
}

// SetPrice moves the mark price of every open position in a symbol,
// recomputing floating profit.
func (s *SimTerminal) SetPrice(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ticket, p := range s.positions {
		if p.Symbol != symbol {
			continue
		}
		p.CurrentPrice = price
		diff := price - p.OpenPrice
		if p.Side == "SELL" {
			diff = -diff
		}
		p.FloatingPnL = diff * p.Qty
		s.positions[ticket] = p
	}
}

func (s *SimTerminal) Positions(context.Context) ([]protocol.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func (s *SimTerminal) Account(context.Context) (protocol.AccountInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	equity := s.balance
	for _, p := range s.positions {
		equity += p.FloatingPnL
	}
	return protocol.AccountInfo{
		Balance:   s.balance,
		Equity:    equity,
		Currency:  "USD",
		Connected: true,
	}, nil
}

func (s *SimTerminal) Spreads(context.Context) (map[string]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.spreads))
	for symbol, spread := range s.spreads {
		out[symbol] = spread
	}
	return out, nil
}

// Execute fills opens at the requested price (or 1.0 when unpriced) and
// closes by ticket. Closing an unknown ticket is an explicit rejection, not
// an error, so the result travels back to the server like any other verdict.
func (s *SimTerminal) Execute(_ context.Context, cmd protocol.TradeCommand) (protocol.TradeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd.Action {
	case protocol.ActionOpen:
		fill := cmd.Price
		if fill <= 0 {
			fill = 1.0
		}
		s.nextTicket++
		ticket := s.nextTicket
		s.positions[ticket] = protocol.Position{
			Ticket:       ticket,
			Symbol:       cmd.Symbol,
			Side:         cmd.Side,
			Qty:          cmd.Qty,
			OpenPrice:    fill,
			CurrentPrice: fill,
			OpenedAt:     time.Now().UTC(),
		}
		return protocol.TradeResult{Success: true, Ticket: ticket, FillPrice: fill}, nil

	case protocol.ActionClose:
		p, ok := s.positions[cmd.Ticket]
		if !ok {
			return protocol.TradeResult{Success: false, Error: fmt.Sprintf("unknown ticket %d", cmd.Ticket)}, nil
		}
		delete(s.positions, cmd.Ticket)
		s.balance += p.FloatingPnL
		return protocol.TradeResult{Success: true, Ticket: cmd.Ticket, FillPrice: p.CurrentPrice}, nil

	default:
		return protocol.TradeResult{Success: false, Error: "unsupported action " + string(cmd.Action)}, nil
	}
}
