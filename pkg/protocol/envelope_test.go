package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopePayloadRoundTrip(t *testing.T) {
	cmd := TradeCommand{
		Action: ActionOpen,
		Symbol: "EURUSD",
		Side:   "BUY",
		Qty:    0.1,
		Price:  1.1,
		Stop:   1.095,
		Target: 1.11,
	}
	env, err := NewEnvelope(TypeTradeCommand, "corr-1", cmd)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	// Simulate the wire.
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	var got Envelope
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}

	if got.Type != TypeTradeCommand || got.CorrelationID != "corr-1" {
		t.Fatalf("envelope header mismatch: %+v", got)
	}
	var decoded TradeCommand
	if err := got.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded != cmd {
		t.Fatalf("payload mismatch: got %+v, want %+v", decoded, cmd)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := Envelope{Type: TypeHeartbeat}
	var cmd TradeCommand
	if err := env.DecodePayload(&cmd); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestPositionsUpdateDeltaOmitsEmptySets(t *testing.T) {
	upd := PositionsUpdate{Version: 7, Removed: []int64{555001}}
	env, err := NewEnvelope(TypePositionsUpdate, "", upd)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	var decoded PositionsUpdate
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.Full {
		t.Fatal("delta update should not be marked full")
	}
	if len(decoded.Added) != 0 || len(decoded.Modified) != 0 {
		t.Fatalf("unexpected added/modified: %+v", decoded)
	}
	if len(decoded.Removed) != 1 || decoded.Removed[0] != 555001 {
		t.Fatalf("removed mismatch: %+v", decoded.Removed)
	}
}
