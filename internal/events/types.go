package events

// Event enumerates high-level topics inside the bridge server.
type Event string

const (
	EventTradeUpdate       Event = "trade_update"
	EventTradeError        Event = "trade_error"
	EventAutoTradeExecuted Event = "auto_trade_executed"
	EventPositionsUpdate   Event = "positions_update"
	EventSessionConnected  Event = "session.connected"
	EventSessionLost       Event = "session.lost"
	EventReconcileConflict Event = "reconcile.conflict"
)
