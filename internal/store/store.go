// Package store persists trading state in SQLite (pure Go driver, no CGo).
//
// Four tables back the core: orders (one row per exchange order, upserted),
// position_snapshots (append-only, one row per (pos_id, u_time)), trades
// (one row per logical trade) and trade_actions (the append-only journal).
// Journal writes are synchronous; readers go through the in-memory ledger
// first, so the store is never on a read hot path.
//
// SQLite is single-writer, so the pool is capped at one connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"okx-trader/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
    ord_id     TEXT PRIMARY KEY,
    cl_ord_id  TEXT,
    symbol     TEXT NOT NULL,
    side       TEXT NOT NULL,
    pos_side   TEXT NOT NULL,
    ord_type   TEXT,
    px         TEXT,
    sz         TEXT,
    fill_px    TEXT,
    fill_sz    TEXT,
    state      TEXT NOT NULL,
    lever      INTEGER,
    mgn_mode   TEXT,
    tag        TEXT,
    created_at DATETIME,
    updated_at DATETIME
);

CREATE TABLE IF NOT EXISTS position_snapshots (
    pos_id    TEXT NOT NULL,
    u_time    INTEGER NOT NULL,
    symbol    TEXT NOT NULL,
    pos_side  TEXT NOT NULL,
    pos       TEXT NOT NULL,
    avail_pos TEXT,
    avg_px    TEXT,
    mark_px   TEXT,
    lever     INTEGER,
    mgn_mode  TEXT,
    PRIMARY KEY (pos_id, u_time)
);

CREATE TABLE IF NOT EXISTS trades (
    cl_ord_id            TEXT PRIMARY KEY,
    symbol               TEXT NOT NULL,
    pos_side             TEXT NOT NULL,
    signal_id            TEXT,
    current_size         TEXT NOT NULL,
    entry_price          TEXT,
    lever                INTEGER,
    stop_loss_cl_ord_id  TEXT,
    take_profit_cl_ord_id TEXT,
    state                TEXT NOT NULL,
    opened_at            DATETIME,
    closed_at            DATETIME
);

CREATE TABLE IF NOT EXISTS trade_actions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    cl_ord_id   TEXT,
    signal_id   TEXT,
    symbol      TEXT,
    pos_side    TEXT,
    action_type TEXT NOT NULL,
    ord_id      TEXT,
    amount      TEXT NOT NULL,
    price       TEXT,
    pending     INTEGER NOT NULL DEFAULT 0,
    ts          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_cloid   ON orders(cl_ord_id);
CREATE INDEX IF NOT EXISTS idx_actions_cloid  ON trade_actions(cl_ord_id);
CREATE INDEX IF NOT EXISTS idx_actions_ts     ON trade_actions(ts DESC);
`

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store.Open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store.Open: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertOrder inserts or updates an order record keyed by ord_id. A terminal
// state (filled, canceled, failed) is never overwritten by a later-arriving
// earlier state for the same order.
func (s *Store) UpsertOrder(ctx context.Context, o types.Order) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders
			(ord_id, cl_ord_id, symbol, side, pos_side, ord_type, px, sz,
			 fill_px, fill_sz, state, lever, mgn_mode, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ord_id) DO UPDATE SET
			cl_ord_id  = excluded.cl_ord_id,
			px         = excluded.px,
			sz         = excluded.sz,
			fill_px    = excluded.fill_px,
			fill_sz    = excluded.fill_sz,
			state      = excluded.state,
			updated_at = excluded.updated_at
		WHERE orders.state NOT IN ('filled', 'canceled', 'failed')`,
		o.OID, o.Cloid, o.Symbol, string(o.Side), string(o.PosSide), string(o.OrdType),
		o.Px.String(), o.Sz.String(), o.FillPx.String(), o.FillSz.String(),
		string(o.State), o.Leverage, o.MarginMode, o.Tag, o.CreatedAt.UTC(), o.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("store.UpsertOrder %s: %w", o.OID, err)
	}
	return nil
}

// GetOrder fetches an order by exchange order ID. Returns nil, nil when absent.
func (s *Store) GetOrder(ctx context.Context, oid string) (*types.Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT ord_id, cl_ord_id, symbol, side, pos_side, ord_type, px, sz,
		       fill_px, fill_sz, state, lever, mgn_mode, tag, created_at, updated_at
		FROM orders WHERE ord_id = ?`, oid)

	var o types.Order
	var side, posSide, ordType, px, sz, fillPx, fillSz, state string
	err := row.Scan(&o.OID, &o.Cloid, &o.Symbol, &side, &posSide, &ordType, &px, &sz,
		&fillPx, &fillSz, &state, &o.Leverage, &o.MarginMode, &o.Tag, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetOrder %s: %w", oid, err)
	}
	o.Side = types.Side(side)
	o.PosSide = types.PosSide(posSide)
	o.OrdType = types.OrdType(ordType)
	o.State = types.OrderState(state)
	o.Px = mustDecimal(px)
	o.Sz = mustDecimal(sz)
	o.FillPx = mustDecimal(fillPx)
	o.FillSz = mustDecimal(fillSz)
	return &o, nil
}

// AppendSnapshot records one observed position state. Each (pos_id, u_time)
// pair is written at most once; replays are ignored.
func (s *Store) AppendSnapshot(ctx context.Context, p types.PositionSnapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO position_snapshots
			(pos_id, u_time, symbol, pos_side, pos, avail_pos, avg_px, mark_px, lever, mgn_mode)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PID, p.UTime, p.Symbol, string(p.PosSide), p.Pos.String(),
		p.AvailPos.String(), p.AvgPx.String(), p.MarkPx.String(), p.Lever, p.MarginMode,
	)
	if err != nil {
		return fmt.Errorf("store.AppendSnapshot %s@%d: %w", p.PID, p.UTime, err)
	}
	return nil
}

// CountSnapshots returns the number of stored snapshots for a position.
func (s *Store) CountSnapshots(ctx context.Context, pid string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM position_snapshots WHERE pos_id = ?`, pid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store.CountSnapshots %s: %w", pid, err)
	}
	return n, nil
}

// SaveTrade upserts a logical trade row.
func (s *Store) SaveTrade(ctx context.Context, t types.Trade) error {
	var closedAt any
	if t.ClosedAt != nil {
		closedAt = t.ClosedAt.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trades
			(cl_ord_id, symbol, pos_side, signal_id, current_size, entry_price,
			 lever, stop_loss_cl_ord_id, take_profit_cl_ord_id, state, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cl_ord_id) DO UPDATE SET
			current_size = excluded.current_size,
			entry_price  = excluded.entry_price,
			state        = excluded.state,
			closed_at    = excluded.closed_at`,
		t.Cloid, t.Symbol, string(t.PosSide), t.SignalID, t.CurrentSize.String(),
		t.EntryPrice.String(), t.Leverage, t.StopLossCloid, t.TakeProfitCloid,
		string(t.State), t.OpenedAt.UTC(), closedAt,
	)
	if err != nil {
		return fmt.Errorf("store.SaveTrade %s: %w", t.Cloid, err)
	}
	return nil
}

// GetTrade fetches a trade by client order ID. Returns nil, nil when absent.
func (s *Store) GetTrade(ctx context.Context, cloid string) (*types.Trade, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cl_ord_id, symbol, pos_side, signal_id, current_size, entry_price,
		       lever, stop_loss_cl_ord_id, take_profit_cl_ord_id, state, opened_at, closed_at
		FROM trades WHERE cl_ord_id = ?`, cloid)

	var t types.Trade
	var posSide, size, entry, state string
	var closedAt sql.NullTime
	err := row.Scan(&t.Cloid, &t.Symbol, &posSide, &t.SignalID, &size, &entry,
		&t.Leverage, &t.StopLossCloid, &t.TakeProfitCloid, &state, &t.OpenedAt, &closedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetTrade %s: %w", cloid, err)
	}
	t.PosSide = types.PosSide(posSide)
	t.CurrentSize = mustDecimal(size)
	t.EntryPrice = mustDecimal(entry)
	t.State = types.TradeState(state)
	if closedAt.Valid {
		ts := closedAt.Time
		t.ClosedAt = &ts
	}
	return &t, nil
}

// AppendAction writes one journal row and returns its ID.
func (s *Store) AppendAction(ctx context.Context, a types.TradeAction) (int64, error) {
	ts := a.Ts
	if ts.IsZero() {
		ts = time.Now()
	}
	var cloid any
	if a.Cloid != nil {
		cloid = *a.Cloid
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_actions
			(cl_ord_id, signal_id, symbol, pos_side, action_type, ord_id, amount, price, pending, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cloid, a.SignalID, a.Symbol, string(a.PosSide), string(a.ActionType),
		a.OID, a.Amount.String(), a.Price.String(), boolInt(a.Pending), ts.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("store.AppendAction: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store.AppendAction: last id: %w", err)
	}
	return id, nil
}

// CompleteAction fills in the amount and price of a pending journal row.
func (s *Store) CompleteAction(ctx context.Context, id int64, amount, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trade_actions SET amount = ?, price = ?, pending = 0 WHERE id = ?`,
		amount.String(), price.String(), id,
	)
	if err != nil {
		return fmt.Errorf("store.CompleteAction %d: %w", id, err)
	}
	return nil
}

// ActionsByCloid returns the journal rows for one trade, oldest first.
// Pass an empty cloid to list orphan rows (NULL cl_ord_id).
func (s *Store) ActionsByCloid(ctx context.Context, cloid string) ([]types.TradeAction, error) {
	var rows *sql.Rows
	var err error
	if cloid == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, cl_ord_id, signal_id, symbol, pos_side, action_type, ord_id, amount, price, pending, ts
			FROM trade_actions WHERE cl_ord_id IS NULL ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, cl_ord_id, signal_id, symbol, pos_side, action_type, ord_id, amount, price, pending, ts
			FROM trade_actions WHERE cl_ord_id = ? ORDER BY id`, cloid)
	}
	if err != nil {
		return nil, fmt.Errorf("store.ActionsByCloid %q: %w", cloid, err)
	}
	defer rows.Close()

	var out []types.TradeAction
	for rows.Next() {
		var a types.TradeAction
		var cl sql.NullString
		var posSide, actionType, amount, price string
		var pending int
		if err := rows.Scan(&a.ID, &cl, &a.SignalID, &a.Symbol, &posSide, &actionType,
			&a.OID, &amount, &price, &pending, &a.Ts); err != nil {
			return nil, fmt.Errorf("store.ActionsByCloid: scan: %w", err)
		}
		if cl.Valid {
			v := cl.String
			a.Cloid = &v
		}
		a.PosSide = types.PosSide(posSide)
		a.ActionType = types.ActionType(actionType)
		a.Amount = mustDecimal(amount)
		a.Price = mustDecimal(price)
		a.Pending = pending != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
