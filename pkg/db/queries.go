package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrStateChanged = errors.New("trade state changed concurrently")
)

// ----------------------------------------
// Accounts
// ----------------------------------------

// GetAccount returns an account by id.
func (d *Database) GetAccount(ctx context.Context, id string) (*Account, error) {
	var a Account
	err := d.DB.QueryRowContext(ctx, `
		SELECT id, max_open_positions, max_daily_trades, cooldown_seconds, created_at
		FROM accounts WHERE id = ?
	`, id).Scan(&a.ID, &a.MaxOpenPositions, &a.MaxDailyTrades, &a.CooldownSeconds, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// UpsertAccount creates or updates account limits.
func (d *Database) UpsertAccount(ctx context.Context, a Account) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, max_open_positions, max_daily_trades, cooldown_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			max_open_positions = excluded.max_open_positions,
			max_daily_trades = excluded.max_daily_trades,
			cooldown_seconds = excluded.cooldown_seconds
	`, a.ID, a.MaxOpenPositions, a.MaxDailyTrades, a.CooldownSeconds)
	return err
}

// ListAccountIDs returns every configured account id.
func (d *Database) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----------------------------------------
// Trades
// ----------------------------------------

// CreateTrade inserts a new provisional trade row.
func (d *Database) CreateTrade(ctx context.Context, t Trade) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, account_id, strategy, symbol, side, qty,
			limit_price, stop_price, target_price,
			state, correlation_id, ticket, fill_price, reason, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), CURRENT_TIMESTAMP)
	`, t.ID, t.AccountID, t.Strategy, t.Symbol, t.Side, t.Qty,
		t.LimitPrice, t.StopPrice, t.TargetPrice,
		t.State, t.CorrelationID, t.Ticket, t.FillPrice, t.Reason, t.CreatedAt.UTC())
	return err
}

// GetTrade returns a trade by id.
func (d *Database) GetTrade(ctx context.Context, id string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, COALESCE(strategy, ''), symbol, side, qty,
		       limit_price, stop_price, target_price, state,
		       COALESCE(correlation_id, ''), ticket, fill_price, COALESCE(reason, ''),
		       created_at, updated_at
		FROM trades WHERE id = ?
	`, id)
	return scanTrade(row)
}

// GetTradeByCorrelation returns the trade bound to a correlation id.
func (d *Database) GetTradeByCorrelation(ctx context.Context, correlationID string) (*Trade, error) {
	row := d.DB.QueryRowContext(ctx, `
		SELECT id, account_id, COALESCE(strategy, ''), symbol, side, qty,
		       limit_price, stop_price, target_price, state,
		       COALESCE(correlation_id, ''), ticket, fill_price, COALESCE(reason, ''),
		       created_at, updated_at
		FROM trades WHERE correlation_id = ?
	`, correlationID)
	return scanTrade(row)
}

func scanTrade(row *sql.Row) (*Trade, error) {
	var t Trade
	err := row.Scan(&t.ID, &t.AccountID, &t.Strategy, &t.Symbol, &t.Side, &t.Qty,
		&t.LimitPrice, &t.StopPrice, &t.TargetPrice, &t.State,
		&t.CorrelationID, &t.Ticket, &t.FillPrice, &t.Reason,
		&t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trade: %w", err)
	}
	return &t, nil
}

// TransitionTrade moves a trade from one state to another, updating the
// correlated fields. The transition only applies if the row is still in
// fromState; otherwise ErrStateChanged is returned. This is the row-level
// guard behind the confirm-before-commit contract.
func (d *Database) TransitionTrade(ctx context.Context, id, fromState, toState string, ticket int64, fillPrice float64, reason string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET state = ?,
		    ticket = CASE WHEN ? != 0 THEN ? ELSE ticket END,
		    fill_price = CASE WHEN ? != 0 THEN ? ELSE fill_price END,
		    reason = CASE WHEN ? != '' THEN ? ELSE reason END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, toState, ticket, ticket, fillPrice, fillPrice, reason, reason, id, fromState)
	if err != nil {
		return fmt.Errorf("transition trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateChanged
	}
	return nil
}

// BindCorrelation moves a trade into a pending state with a fresh
// correlation id, guarded the same way as TransitionTrade. A pending trade
// carries exactly one outstanding correlation id.
func (d *Database) BindCorrelation(ctx context.Context, id, fromState, toState, correlationID string) error {
	res, err := d.DB.ExecContext(ctx, `
		UPDATE trades
		SET state = ?, correlation_id = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND state = ?
	`, toState, correlationID, id, fromState)
	if err != nil {
		return fmt.Errorf("bind correlation for trade %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStateChanged
	}
	return nil
}

// CountActiveTrades counts OPEN plus PENDING_OPEN trades for the cap check.
func (d *Database) CountActiveTrades(ctx context.Context, accountID string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE account_id = ? AND state IN (?, ?)
	`, accountID, StateOpen, StatePendingOpen).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active trades: %w", err)
	}
	return n, nil
}

// CountTradesSince counts trades created at or after since that reached the
// terminal, i.e. everything except failed opens. Used for the daily cap.
func (d *Database) CountTradesSince(ctx context.Context, accountID string, since time.Time) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE account_id = ? AND state != ? AND created_at >= ?
	`, accountID, StateFailedOpen, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count trades since: %w", err)
	}
	return n, nil
}

// LastTradeAt returns the creation time of the account's most recent
// non-failed trade for a strategy. Zero time when none exists.
func (d *Database) LastTradeAt(ctx context.Context, accountID, strategy string) (time.Time, error) {
	var ts time.Time
	err := d.DB.QueryRowContext(ctx, `
		SELECT created_at FROM trades
		WHERE account_id = ? AND strategy = ? AND state != ?
		ORDER BY created_at DESC LIMIT 1
	`, accountID, strategy, StateFailedOpen).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("last trade time: %w", err)
	}
	return ts, nil
}

// ListTrades returns the most recent trades for an account.
func (d *Database) ListTrades(ctx context.Context, accountID string, limit int) ([]Trade, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, COALESCE(strategy, ''), symbol, side, qty,
		       limit_price, stop_price, target_price, state,
		       COALESCE(correlation_id, ''), ticket, fill_price, COALESCE(reason, ''),
		       created_at, updated_at
		FROM trades
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Strategy, &t.Symbol, &t.Side, &t.Qty,
			&t.LimitPrice, &t.StopPrice, &t.TargetPrice, &t.State,
			&t.CorrelationID, &t.Ticket, &t.FillPrice, &t.Reason,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// TradeStateForTicket returns the most recent trade state bound to a ticket,
// or empty string when no trade references it.
func (d *Database) TradeStateForTicket(ctx context.Context, accountID string, ticket int64) (string, error) {
	var state string
	err := d.DB.QueryRowContext(ctx, `
		SELECT state FROM trades
		WHERE account_id = ? AND ticket = ?
		ORDER BY updated_at DESC LIMIT 1
	`, accountID, ticket).Scan(&state)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query trade state for ticket: %w", err)
	}
	return state, nil
}

// HasClosedTradeForTicket reports whether a trade completed a
// PENDING_CLOSE -> CLOSED transition for the given ticket. Reconciliation
// uses this to distinguish expected closures from silent stop-outs.
func (d *Database) HasClosedTradeForTicket(ctx context.Context, accountID string, ticket int64) (bool, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trades
		WHERE account_id = ? AND ticket = ? AND state = ?
	`, accountID, ticket, StateClosed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query closed trade for ticket: %w", err)
	}
	return n > 0, nil
}

// ----------------------------------------
// Mirrored positions
// ----------------------------------------

// UpsertMirroredPosition writes one mirrored position row.
func (d *Database) UpsertMirroredPosition(ctx context.Context, p MirroredPosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO mirrored_positions (
			ticket, account_id, symbol, side, qty, open_price,
			current_price, floating_pnl, external, flagged, closed, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(ticket) DO UPDATE SET
			qty = excluded.qty,
			current_price = excluded.current_price,
			floating_pnl = excluded.floating_pnl,
			external = excluded.external,
			flagged = excluded.flagged,
			closed = excluded.closed,
			version = excluded.version,
			updated_at = CURRENT_TIMESTAMP
	`, p.Ticket, p.AccountID, p.Symbol, p.Side, p.Qty, p.OpenPrice,
		p.CurrentPrice, p.FloatingPnL, boolToInt(p.External), boolToInt(p.Flagged),
		boolToInt(p.Closed), p.Version)
	return err
}

// ListMirroredPositions returns open mirrored positions for an account.
func (d *Database) ListMirroredPositions(ctx context.Context, accountID string) ([]MirroredPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT ticket, account_id, symbol, side, qty, open_price,
		       current_price, floating_pnl, external, flagged, closed, version, updated_at
		FROM mirrored_positions
		WHERE account_id = ? AND closed = 0
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("query mirrored positions: %w", err)
	}
	defer rows.Close()

	var out []MirroredPosition
	for rows.Next() {
		var p MirroredPosition
		var external, flagged, closed int
		if err := rows.Scan(&p.Ticket, &p.AccountID, &p.Symbol, &p.Side, &p.Qty, &p.OpenPrice,
			&p.CurrentPrice, &p.FloatingPnL, &external, &flagged, &closed, &p.Version, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mirrored position: %w", err)
		}
		p.External = external == 1
		p.Flagged = flagged == 1
		p.Closed = closed == 1
		out = append(out, p)
	}
	return out, rows.Err()
}

// ----------------------------------------
// Autotrade audit log
// ----------------------------------------

// InsertAutoTradeLog records one scheduler outcome.
func (d *Database) InsertAutoTradeLog(ctx context.Context, e AutoTradeEntry) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO autotrade_log (id, account_id, strategy, symbol, outcome, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.AccountID, e.Strategy, e.Symbol, e.Outcome, e.Reason)
	return err
}

// ListAutoTradeLog returns the most recent scheduler outcomes for an account.
func (d *Database) ListAutoTradeLog(ctx context.Context, accountID string, limit int) ([]AutoTradeEntry, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, account_id, strategy, symbol, outcome, COALESCE(reason, ''), created_at
		FROM autotrade_log
		WHERE account_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query autotrade log: %w", err)
	}
	defer rows.Close()

	var out []AutoTradeEntry
	for rows.Next() {
		var e AutoTradeEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Strategy, &e.Symbol, &e.Outcome, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan autotrade entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
