// Package protocol defines the wire format spoken between the server and
// connector agents. Every message is an Envelope; the correlation ID is the
// idempotency key binding a command to its eventual result.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType enumerates envelope types on the connector channel.
type MessageType string

const (
	TypeAuth            MessageType = "AUTH"
	TypeAuthAck         MessageType = "AUTH_ACK"
	TypeHeartbeat       MessageType = "HEARTBEAT"
	TypePong            MessageType = "PONG"
	TypeTradeCommand    MessageType = "TRADE_COMMAND"
	TypeTradeResult     MessageType = "TRADE_RESULT"
	TypePositionsUpdate MessageType = "POSITIONS_UPDATE"
	TypeStatusHeartbeat MessageType = "STATUS_HEARTBEAT"
	TypeGetPositions    MessageType = "GET_POSITIONS"
	TypeGetAccount      MessageType = "GET_ACCOUNT"
	TypeAccountInfo     MessageType = "ACCOUNT_INFO"
	TypeTradeError      MessageType = "TRADE_ERROR"
)

// Envelope wraps every message on the wire.
type Envelope struct {
	Type          MessageType     `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// NewEnvelope marshals payload into a fresh envelope stamped with now.
func NewEnvelope(t MessageType, correlationID string, payload any) (Envelope, error) {
	env := Envelope{
		Type:          t,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Auth is sent by the connector as the first frame after dialing.
type Auth struct {
	Account   string `json:"account"`
	Token     string `json:"token"`
	MachineID string `json:"machine_id,omitempty"`
	Version   string `json:"version,omitempty"`
}

// AuthAck confirms or rejects the handshake.
type AuthAck struct {
	OK                bool   `json:"ok"`
	Error             string `json:"error,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec,omitempty"`
}

// TradeAction distinguishes command intents.
type TradeAction string

const (
	ActionOpen  TradeAction = "OPEN"
	ActionClose TradeAction = "CLOSE"
)

// TradeCommand instructs the terminal to open or close a position.
type TradeCommand struct {
	Action TradeAction `json:"action"`
	Symbol string      `json:"symbol"`
	Side   string      `json:"side"` // BUY / SELL
	Qty    float64     `json:"qty"`
	Price  float64     `json:"price,omitempty"`
	Stop   float64     `json:"stop,omitempty"`
	Target float64     `json:"target,omitempty"`
	Ticket int64       `json:"ticket,omitempty"` // close only
}

// TradeResult carries the terminal's verdict for a TradeCommand.
type TradeResult struct {
	Success   bool    `json:"success"`
	Ticket    int64   `json:"ticket,omitempty"`
	FillPrice float64 `json:"fill_price,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// Position is one externally held position as the terminal reports it.
type Position struct {
	Ticket       int64     `json:"ticket"`
	Symbol       string    `json:"symbol"`
	Side         string    `json:"side"`
	Qty          float64   `json:"qty"`
	OpenPrice    float64   `json:"open_price"`
	CurrentPrice float64   `json:"current_price"`
	FloatingPnL  float64   `json:"floating_pnl"`
	OpenedAt     time.Time `json:"opened_at,omitempty"`
}

// PositionsUpdate reports terminal position state. Full snapshots are only
// sent when explicitly requested (GET_POSITIONS); otherwise the agent emits
// deltas against its last local snapshot.
type PositionsUpdate struct {
	Full     bool       `json:"full,omitempty"`
	Version  int64      `json:"version"`
	Added    []Position `json:"added,omitempty"`
	Removed  []int64    `json:"removed,omitempty"`
	Modified []Position `json:"modified,omitempty"`
}

// AccountInfo is the terminal-side account snapshot.
type AccountInfo struct {
	Balance   float64 `json:"balance"`
	Equity    float64 `json:"equity"`
	Margin    float64 `json:"margin"`
	Currency  string  `json:"currency,omitempty"`
	Connected bool    `json:"connected"`
}

// StatusHeartbeat is the agent's long-interval liveness frame. Spreads
// carries the terminal's current per-symbol spread in price units.
type StatusHeartbeat struct {
	Connected bool               `json:"connected"`
	Account   AccountInfo        `json:"account"`
	Spreads   map[string]float64 `json:"spreads,omitempty"`
}
