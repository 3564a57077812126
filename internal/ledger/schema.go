package ledger

// Schema for the gateway-owned order ledger. The ledger is the system of
// record between reconciliation cycles; orders are keyed by the deterministic
// client_order_id, fills are append-only children deduplicated on
// broker_event_id, and positions are replaced wholesale by reconciliation.
const schema = `
CREATE TABLE IF NOT EXISTS orders (
	client_order_id   TEXT PRIMARY KEY,
	broker_order_id   TEXT NOT NULL DEFAULT '',
	parent_client_order_id TEXT NOT NULL DEFAULT '',
	symbol            TEXT NOT NULL,
	side              TEXT NOT NULL,
	qty               INTEGER NOT NULL,
	order_type        TEXT NOT NULL,
	limit_price       TEXT,
	time_in_force     TEXT NOT NULL DEFAULT 'day',
	status            TEXT NOT NULL,
	filled_qty        INTEGER NOT NULL DEFAULT 0,
	avg_fill_price    TEXT NOT NULL DEFAULT '0',
	strategy_id       TEXT NOT NULL DEFAULT '',
	scheduled_at      TIMESTAMP,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	status_source     TEXT NOT NULL DEFAULT 'internal',
	status_sequence   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);
CREATE INDEX IF NOT EXISTS idx_orders_parent ON orders(parent_client_order_id);
CREATE INDEX IF NOT EXISTS idx_orders_updated ON orders(updated_at);

CREATE TABLE IF NOT EXISTS order_fills (
	fill_id          TEXT PRIMARY KEY,
	client_order_id  TEXT NOT NULL REFERENCES orders(client_order_id),
	broker_event_id  TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	price            TEXT NOT NULL,
	timestamp        TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_fills_event
	ON order_fills(client_order_id, broker_event_id);

CREATE TABLE IF NOT EXISTS positions (
	symbol             TEXT PRIMARY KEY,
	qty                INTEGER NOT NULL,
	avg_entry_price    TEXT NOT NULL DEFAULT '0',
	last_reconciled_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS orphan_orders (
	broker_order_id  TEXT PRIMARY KEY,
	client_order_id  TEXT NOT NULL DEFAULT '',
	symbol           TEXT NOT NULL,
	payload          TEXT NOT NULL,
	absorbed         INTEGER NOT NULL DEFAULT 0,
	detected_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reconciliation_state (
	id                   INTEGER PRIMARY KEY CHECK (id = 1),
	high_water_mark      TIMESTAMP NOT NULL,
	last_run_at          TIMESTAMP NOT NULL,
	last_run_ok          INTEGER NOT NULL DEFAULT 0,
	orders_checked       INTEGER NOT NULL DEFAULT 0,
	discrepancies_found  INTEGER NOT NULL DEFAULT 0
);
`
