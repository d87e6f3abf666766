package autotrade

import (
	"fmt"
	"sync"
	"time"
)

// Gate is a composable predicate applied after the confidence check. A gate
// returning false skips the pair and its name is recorded as the reason.
type Gate interface {
	Name() string
	Allow(now time.Time, sig *Signal) bool
}

// SpreadTable holds the latest per-symbol spread reported by each connector's
// status heartbeat. The websocket handler updates it, spread gates read it.
type SpreadTable struct {
	mu      sync.RWMutex
	spreads map[string]map[string]float64 // account -> symbol -> spread
}

func NewSpreadTable() *SpreadTable {
	return &SpreadTable{spreads: make(map[string]map[string]float64)}
}

func (t *SpreadTable) Update(account string, spreads map[string]float64) {
	if len(spreads) == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.spreads[account]
	if !ok {
		m = make(map[string]float64)
		t.spreads[account] = m
	}
	for symbol, s := range spreads {
		m[symbol] = s
	}
}

func (t *SpreadTable) Spread(account, symbol string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.spreads[account][symbol]
	return s, ok
}

type windowGate struct {
	startMin int
	endMin   int
	loc      *time.Location
}

// NewWindowGate restricts trading to [start, end) wall-clock minutes in loc,
// both given as HH:MM. A window that ends before it starts wraps midnight.
func NewWindowGate(start, end string, loc *time.Location) (Gate, error) {
	s, err := parseClock(start)
	if err != nil {
		return nil, fmt.Errorf("window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return nil, fmt.Errorf("window end: %w", err)
	}
	return &windowGate{startMin: s, endMin: e, loc: loc}, nil
}

func (g *windowGate) Name() string { return "time_window" }

func (g *windowGate) Allow(now time.Time, _ *Signal) bool {
	local := now.In(g.loc)
	m := local.Hour()*60 + local.Minute()
	if g.startMin <= g.endMin {
		return m >= g.startMin && m < g.endMin
	}
	// Overnight window, e.g. 22:00 - 06:00.
	return m >= g.startMin || m < g.endMin
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

type spreadGate struct {
	account string
	symbol  string
	max     float64
	quotes  *SpreadTable
}

// NewSpreadGate blocks trading while the terminal-reported spread for the
// symbol exceeds max. A symbol with no reported spread is not tradable yet.
func NewSpreadGate(account, symbol string, max float64, quotes *SpreadTable) Gate {
	return &spreadGate{account: account, symbol: symbol, max: max, quotes: quotes}
}

func (g *spreadGate) Name() string { return "max_spread" }

func (g *spreadGate) Allow(_ time.Time, _ *Signal) bool {
	s, ok := g.quotes.Spread(g.account, g.symbol)
	if !ok {
		return false
	}
	return s <= g.max
}
