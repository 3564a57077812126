// Package ledger implements the gateway's durable order ledger on SQLite.
//
// The ledger is the local system of record for orders, fills, and positions.
// Status updates go through a compare-and-swap on status_sequence so that
// concurrent updaters (submit path, webhook processor, reconciliation) never
// lose writes: a stale writer fails the CAS, re-reads, and re-checks whether
// its transition is still legal under the state machine and source priority.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"quantdesk/pkg/types"
)

var (
	// ErrNotFound means no order row exists for the client order id.
	ErrNotFound = errors.New("ledger: order not found")
	// ErrDuplicateOrder means an order with the same client_order_id already
	// exists. Callers treat this as idempotent success and return the
	// existing row.
	ErrDuplicateOrder = errors.New("ledger: duplicate client_order_id")
	// ErrDuplicateEvent means this broker event was already applied.
	ErrDuplicateEvent = errors.New("ledger: duplicate broker event")
	// ErrIllegalTransition means the state machine forbids the requested
	// status change (backward move, or terminal overwrite by a source that
	// lacks priority).
	ErrIllegalTransition = errors.New("ledger: illegal status transition")
	// ErrStale means the CAS kept failing under contention.
	ErrStale = errors.New("ledger: concurrent update, retries exhausted")
)

const casRetries = 5

// Ledger wraps the SQLite handle. SQLite runs with a single writer
// connection; the CAS exists for correctness across processes and restarts,
// not just goroutines.
type Ledger struct {
	db *sql.DB
}

// Open opens (and creates if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases the underlying DB handle.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// InsertPending persists a new order in its initial status (pending). Returns
// ErrDuplicateOrder if the client_order_id already exists; the caller then
// reads and returns the existing row, which is what makes submission
// idempotent.
func (l *Ledger) InsertPending(ctx context.Context, o types.Order) error {
	return l.insertOrder(ctx, o, nil)
}

// InsertScheduled persists a child slice with its dispatch time.
func (l *Ledger) InsertScheduled(ctx context.Context, o types.Order, parentID string, scheduledAt time.Time) error {
	o.ClientOrderID = strings.TrimSpace(o.ClientOrderID)
	return l.insertOrder(ctx, o, &scheduled{parentID: parentID, at: scheduledAt})
}

type scheduled struct {
	parentID string
	at       time.Time
}

func (l *Ledger) insertOrder(ctx context.Context, o types.Order, sched *scheduled) error {
	var limitPrice any
	if o.LimitPrice != nil {
		limitPrice = o.LimitPrice.String()
	}
	parentID := ""
	var scheduledAt any
	if sched != nil {
		parentID = sched.parentID
		scheduledAt = sched.at.UTC()
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO orders (client_order_id, parent_client_order_id, symbol, side, qty,
			order_type, limit_price, time_in_force, status, filled_qty, avg_fill_price,
			strategy_id, scheduled_at, created_at, updated_at, status_source, status_sequence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '0', ?, ?, ?, ?, ?, 0)
	`, o.ClientOrderID, parentID, o.Symbol, o.Side, o.Qty,
		o.OrderType, limitPrice, o.TimeInForce, o.Status,
		o.StrategyID, scheduledAt, o.CreatedAt.UTC(), o.UpdatedAt.UTC(), o.StatusSource)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// GetOrder returns the order row for a client order id.
func (l *Ledger) GetOrder(ctx context.Context, clientOrderID string) (*types.Order, error) {
	row := l.db.QueryRowContext(ctx, selectOrder+`WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

const selectOrder = `
	SELECT client_order_id, broker_order_id, symbol, side, qty, order_type,
	       limit_price, time_in_force, status, filled_qty, avg_fill_price,
	       strategy_id, created_at, updated_at, status_source, status_sequence
	FROM orders
`

type rowScanner interface{ Scan(dest ...any) error }

func scanOrder(row rowScanner) (*types.Order, error) {
	var o types.Order
	var limitPrice sql.NullString
	var avgFill string
	err := row.Scan(&o.ClientOrderID, &o.BrokerOrderID, &o.Symbol, &o.Side, &o.Qty,
		&o.OrderType, &limitPrice, &o.TimeInForce, &o.Status, &o.FilledQty, &avgFill,
		&o.StrategyID, &o.CreatedAt, &o.UpdatedAt, &o.StatusSource, &o.StatusSequence)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan order: %w", err)
	}
	if limitPrice.Valid {
		p, err := decimal.NewFromString(limitPrice.String)
		if err != nil {
			return nil, fmt.Errorf("parse limit_price: %w", err)
		}
		o.LimitPrice = &p
	}
	o.AvgFillPrice, err = decimal.NewFromString(avgFill)
	if err != nil {
		return nil, fmt.Errorf("parse avg_fill_price: %w", err)
	}
	return &o, nil
}

func (l *Ledger) queryOrders(ctx context.Context, where string, args ...any) ([]types.Order, error) {
	rows, err := l.db.QueryContext(ctx, selectOrder+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// ListOrdersByStatus returns all orders in a given status, oldest first.
func (l *Ledger) ListOrdersByStatus(ctx context.Context, status types.OrderStatus) ([]types.Order, error) {
	return l.queryOrders(ctx, `WHERE status = ? ORDER BY created_at`, status)
}

// FilterOrders returns orders matching the optional symbol and status
// filters, oldest first. Without a status filter only non-terminal orders are
// returned; naming a status (terminal included) lists every order in it.
func (l *Ledger) FilterOrders(ctx context.Context, symbol string, status types.OrderStatus) ([]types.Order, error) {
	where := `WHERE status IN ('pending', 'submitted', 'partially_filled', 'dry_run')`
	var args []any
	if status != "" {
		where = `WHERE status = ?`
		args = append(args, status)
	}
	if symbol != "" {
		where += ` AND symbol = ?`
		args = append(args, symbol)
	}
	return l.queryOrders(ctx, where+` ORDER BY created_at`, args...)
}

// ListStaleOpen returns orders that may be lost at the broker and were last
// touched before the cutoff: submitted, partially_filled, and pending rows
// with no dispatch schedule (a pending row left behind by a failed broker
// submit, as opposed to a TWAP slice waiting its turn). Reconciliation ages
// these to error when the broker has no record of them.
func (l *Ledger) ListStaleOpen(ctx context.Context, cutoff time.Time) ([]types.Order, error) {
	return l.queryOrders(ctx, `
		WHERE (status IN ('submitted', 'partially_filled')
		    OR (status = 'pending' AND scheduled_at IS NULL))
		  AND updated_at < ? ORDER BY created_at`,
		cutoff.UTC())
}

// ListInFlightOrders returns the orders whose remaining quantity should be
// counted against position capacity: everything live at the broker plus
// unscheduled pending rows, which hold a reservation from the submit path.
// Undispatched TWAP slices are excluded; they reserve at dispatch time.
func (l *Ledger) ListInFlightOrders(ctx context.Context) ([]types.Order, error) {
	return l.queryOrders(ctx, `
		WHERE status IN ('submitted', 'partially_filled')
		   OR (status = 'pending' AND scheduled_at IS NULL)
		ORDER BY created_at`)
}

// ListAgedDryRuns returns dry_run orders created before the cutoff, for the
// sweeper to cancel.
func (l *Ledger) ListAgedDryRuns(ctx context.Context, cutoff time.Time) ([]types.Order, error) {
	return l.queryOrders(ctx, `WHERE status = 'dry_run' AND created_at < ? ORDER BY created_at`, cutoff.UTC())
}

// ListDueSlices returns pending child slices whose scheduled time has
// arrived, for the TWAP dispatcher.
func (l *Ledger) ListDueSlices(ctx context.Context, now time.Time) ([]types.Order, error) {
	return l.queryOrders(ctx,
		`WHERE status = 'pending' AND parent_client_order_id != '' AND scheduled_at <= ? ORDER BY scheduled_at`,
		now.UTC())
}

// ListSlices returns all children of a TWAP parent in schedule order.
func (l *Ledger) ListSlices(ctx context.Context, parentID string) ([]types.Order, error) {
	return l.queryOrders(ctx, `WHERE parent_client_order_id = ? ORDER BY client_order_id`, parentID)
}

// Transition is one requested status change.
type Transition struct {
	ClientOrderID string
	NewStatus     types.OrderStatus
	Source        types.StatusSource
	BrokerOrderID string // set when non-empty
	FilledQty     int64  // applied when > current (monotone)
	AvgFillPrice  *decimal.Decimal
}

// ApplyTransition moves an order through the state machine with optimistic
// concurrency. On CAS failure it re-reads and re-evaluates legality, up to
// casRetries times. Legality:
//
//   - the state machine must permit current → new (forward only);
//   - filled_qty never decreases;
//   - terminal rows are immutable, except that a strictly higher-priority
//     source may correct a terminal status to another terminal status
//     (webhook over reconciliation over internal).
//
// Returns the updated row, or (row, ErrIllegalTransition) when the write was
// refused — callers can inspect the surviving row.
func (l *Ledger) ApplyTransition(ctx context.Context, tr Transition) (*types.Order, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := l.GetOrder(ctx, tr.ClientOrderID)
		if err != nil {
			return nil, err
		}

		if !transitionAllowed(cur, tr) {
			return cur, ErrIllegalTransition
		}

		filled := cur.FilledQty
		if tr.FilledQty > filled {
			filled = tr.FilledQty
		}
		avg := cur.AvgFillPrice
		if tr.AvgFillPrice != nil {
			avg = *tr.AvgFillPrice
		}
		brokerID := cur.BrokerOrderID
		if tr.BrokerOrderID != "" {
			brokerID = tr.BrokerOrderID
		}

		res, err := l.db.ExecContext(ctx, `
			UPDATE orders
			SET status = ?, broker_order_id = ?, filled_qty = ?, avg_fill_price = ?,
			    status_source = ?, status_sequence = status_sequence + 1, updated_at = ?
			WHERE client_order_id = ? AND status_sequence = ?
		`, tr.NewStatus, brokerID, filled, avg.String(),
			tr.Source, time.Now().UTC(), tr.ClientOrderID, cur.StatusSequence)
		if err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 1 {
			return l.GetOrder(ctx, tr.ClientOrderID)
		}
		// Lost the race; loop re-reads the winner's row.
	}
	return nil, ErrStale
}

func transitionAllowed(cur *types.Order, tr Transition) bool {
	if cur.Status.Terminal() {
		// Terminal correction: only terminal→terminal by a strictly
		// higher-priority source.
		return tr.NewStatus.Terminal() &&
			tr.NewStatus != cur.Status &&
			tr.Source.Priority() > cur.StatusSource.Priority()
	}
	if !cur.Status.CanTransition(tr.NewStatus) {
		return false
	}
	if tr.FilledQty > 0 && tr.FilledQty < cur.FilledQty {
		return false
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Fills
// ————————————————————————————————————————————————————————————————————————

// ApplyFill records a fill event and advances the order status, atomically.
// The unique index on (client_order_id, broker_event_id) makes redelivered
// webhook events no-ops: the duplicate insert fails, nothing else runs, and
// ErrDuplicateEvent tells the caller to ack without side effects.
//
// filled_qty and avg_fill_price are recomputed from the full fill history
// inside the same transaction, so conservation (sum of fills == filled_qty)
// holds by construction.
func (l *Ledger) ApplyFill(ctx context.Context, fill types.Fill, newStatus types.OrderStatus, source types.StatusSource) (*types.Order, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if fill.FillID == "" {
		fill.FillID = uuid.NewString()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO order_fills (fill_id, client_order_id, broker_event_id, qty, price, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, fill.FillID, fill.ClientOrderID, fill.BrokerEventID, fill.Qty, fill.Price.String(), fill.Timestamp.UTC())
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return nil, ErrDuplicateEvent
		}
		return nil, fmt.Errorf("insert fill: %w", err)
	}

	// Recompute totals from the fill history.
	var totalQty int64
	var prices []string
	var qtys []int64
	rows, err := tx.QueryContext(ctx, `
		SELECT qty, price FROM order_fills WHERE client_order_id = ?
	`, fill.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	for rows.Next() {
		var q int64
		var p string
		if err := rows.Scan(&q, &p); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		totalQty += q
		qtys = append(qtys, q)
		prices = append(prices, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notional := decimal.Zero
	for i := range qtys {
		p, err := decimal.NewFromString(prices[i])
		if err != nil {
			return nil, fmt.Errorf("parse fill price: %w", err)
		}
		notional = notional.Add(p.Mul(decimal.NewFromInt(qtys[i])))
	}
	avg := decimal.Zero
	if totalQty > 0 {
		avg = notional.Div(decimal.NewFromInt(totalQty))
	}

	cur, err := l.getOrderTx(ctx, tx, fill.ClientOrderID)
	if err != nil {
		return nil, err
	}
	if totalQty >= cur.Qty {
		newStatus = types.StatusFilled
	}
	if !transitionAllowed(cur, Transition{NewStatus: newStatus, Source: source, FilledQty: totalQty}) {
		return cur, ErrIllegalTransition
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?, status_source = ?,
		    status_sequence = status_sequence + 1, updated_at = ?
		WHERE client_order_id = ?
	`, newStatus, totalQty, avg.String(), source, time.Now().UTC(), fill.ClientOrderID)
	if err != nil {
		return nil, fmt.Errorf("update order: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return l.GetOrder(ctx, fill.ClientOrderID)
}

func (l *Ledger) getOrderTx(ctx context.Context, tx *sql.Tx, clientOrderID string) (*types.Order, error) {
	row := tx.QueryRowContext(ctx, selectOrder+`WHERE client_order_id = ?`, clientOrderID)
	return scanOrder(row)
}

// ListFills returns all fills for an order, oldest first.
func (l *Ledger) ListFills(ctx context.Context, clientOrderID string) ([]types.Fill, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT fill_id, client_order_id, broker_event_id, qty, price, timestamp
		FROM order_fills WHERE client_order_id = ? ORDER BY timestamp
	`, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []types.Fill
	for rows.Next() {
		var f types.Fill
		var price string
		if err := rows.Scan(&f.FillID, &f.ClientOrderID, &f.BrokerEventID, &f.Qty, &price, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.Price, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("parse fill price: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// ListPositions returns all position rows.
func (l *Ledger) ListPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT symbol, qty, avg_entry_price, last_reconciled_at FROM positions ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []types.Position
	for rows.Next() {
		var p types.Position
		var avg string
		if err := rows.Scan(&p.Symbol, &p.Qty, &avg, &p.LastReconciledAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.AvgEntryPrice, err = decimal.NewFromString(avg)
		if err != nil {
			return nil, fmt.Errorf("parse avg_entry_price: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns one symbol's position, or a zero position when the
// symbol has no row.
func (l *Ledger) GetPosition(ctx context.Context, symbol string) (*types.Position, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_entry_price, last_reconciled_at FROM positions WHERE symbol = ?
	`, symbol)
	var p types.Position
	var avg string
	err := row.Scan(&p.Symbol, &p.Qty, &avg, &p.LastReconciledAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &types.Position{Symbol: symbol, AvgEntryPrice: decimal.Zero}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}
	p.AvgEntryPrice, err = decimal.NewFromString(avg)
	if err != nil {
		return nil, fmt.Errorf("parse avg_entry_price: %w", err)
	}
	return &p, nil
}

// ReplacePositions swaps the entire positions table for the broker's truth,
// in one transaction. Called by reconciliation after each successful cycle.
func (l *Ledger) ReplacePositions(ctx context.Context, positions []types.Position, at time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM positions`); err != nil {
		return fmt.Errorf("clear positions: %w", err)
	}
	for _, p := range positions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (symbol, qty, avg_entry_price, last_reconciled_at)
			VALUES (?, ?, ?, ?)
		`, p.Symbol, p.Qty, p.AvgEntryPrice.String(), at.UTC())
		if err != nil {
			return fmt.Errorf("insert position: %w", err)
		}
	}
	return tx.Commit()
}

// ————————————————————————————————————————————————————————————————————————
// Orphans and reconciliation state
// ————————————————————————————————————————————————————————————————————————

// RecordOrphan stores a broker order the ledger has no row for. Absorbed
// marks orphans whose client id matched our scheme and were imported.
func (l *Ledger) RecordOrphan(ctx context.Context, brokerOrderID, clientOrderID, symbol, payload string, absorbed bool) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO orphan_orders (broker_order_id, client_order_id, symbol, payload, absorbed, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_order_id) DO NOTHING
	`, brokerOrderID, clientOrderID, symbol, payload, absorbed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record orphan: %w", err)
	}
	return nil
}

// ReconState is the persisted reconciliation cursor and last-run summary.
type ReconState struct {
	HighWaterMark      time.Time
	LastRunAt          time.Time
	LastRunOK          bool
	OrdersChecked      int64
	DiscrepanciesFound int64
}

// GetReconState returns the persisted reconciliation state, or nil when no
// cycle has ever completed.
func (l *Ledger) GetReconState(ctx context.Context) (*ReconState, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT high_water_mark, last_run_at, last_run_ok, orders_checked, discrepancies_found
		FROM reconciliation_state WHERE id = 1
	`)
	var s ReconState
	err := row.Scan(&s.HighWaterMark, &s.LastRunAt, &s.LastRunOK, &s.OrdersChecked, &s.DiscrepanciesFound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan recon state: %w", err)
	}
	return &s, nil
}

// SaveReconState upserts the reconciliation cursor after a cycle.
func (l *Ledger) SaveReconState(ctx context.Context, s ReconState) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO reconciliation_state (id, high_water_mark, last_run_at, last_run_ok, orders_checked, discrepancies_found)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			high_water_mark = excluded.high_water_mark,
			last_run_at = excluded.last_run_at,
			last_run_ok = excluded.last_run_ok,
			orders_checked = excluded.orders_checked,
			discrepancies_found = excluded.discrepancies_found
	`, s.HighWaterMark.UTC(), s.LastRunAt.UTC(), s.LastRunOK, s.OrdersChecked, s.DiscrepanciesFound)
	if err != nil {
		return fmt.Errorf("save recon state: %w", err)
	}
	return nil
}
