package db

import "time"

// Trade states. A trade is provisional while PENDING_*; terminal states are
// immutable. A failed close returns the trade to OPEN.
const (
	StatePendingOpen  = "PENDING_OPEN"
	StateOpen         = "OPEN"
	StatePendingClose = "PENDING_CLOSE"
	StateClosed       = "CLOSED"
	StateFailedOpen   = "FAILED_OPEN"
	StateFailedClose  = "FAILED_CLOSE"
)

// Account owns at most one live connector session plus trading limits.
type Account struct {
	ID               string
	MaxOpenPositions int
	MaxDailyTrades   int
	CooldownSeconds  int
	CreatedAt        time.Time
}

// Trade is one row of the local ledger.
type Trade struct {
	ID            string
	AccountID     string
	Strategy      string
	Symbol        string
	Side          string
	Qty           float64
	LimitPrice    float64
	StopPrice     float64
	TargetPrice   float64
	State         string
	CorrelationID string
	Ticket        int64
	FillPrice     float64
	Reason        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MirroredPosition is the locally cached view of one externally-open
// position, keyed by the terminal-assigned ticket.
type MirroredPosition struct {
	Ticket       int64
	AccountID    string
	Symbol       string
	Side         string
	Qty          float64
	OpenPrice    float64
	CurrentPrice float64
	FloatingPnL  float64
	External     bool // adopted from the terminal, not attributable to any strategy
	Flagged      bool // needs manual review
	Closed       bool
	Version      int64
	UpdatedAt    time.Time
}

// AutoTradeEntry is one audit record from a scheduler cycle.
type AutoTradeEntry struct {
	ID        string
	AccountID string
	Strategy  string
	Symbol    string
	Outcome   string // EXECUTED, REJECTED, SKIPPED, ERROR
	Reason    string
	CreatedAt time.Time
}
