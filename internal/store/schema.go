package store

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	kill_switch_enabled INTEGER NOT NULL DEFAULT 0,
	kill_switch_enabled_at INTEGER,
	kill_switch_reason TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS exchange_accounts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	is_testnet INTEGER NOT NULL DEFAULT 0,
	encrypted_credentials TEXT NOT NULL,
	name TEXT NOT NULL,
	UNIQUE(user_id, name)
);

CREATE TABLE IF NOT EXISTS bots (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	exchange_account_id TEXT NOT NULL,
	symbol TEXT NOT NULL,
	config_json TEXT NOT NULL,
	status TEXT NOT NULL,
	status_version INTEGER NOT NULL DEFAULT 0,
	run_id TEXT NOT NULL DEFAULT '',
	auto_close_reference_price TEXT,
	auto_close_triggered_at INTEGER,
	auto_close_reason TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bots_status ON bots(status);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	exchange TEXT NOT NULL,
	symbol TEXT NOT NULL,
	client_order_id TEXT NOT NULL,
	exchange_order_id TEXT,
	intent_seq INTEGER NOT NULL,
	side TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	price TEXT,
	amount TEXT NOT NULL,
	filled_amount TEXT NOT NULL DEFAULT '0',
	avg_fill_price TEXT,
	submitted_at INTEGER,
	created_at INTEGER NOT NULL,
	UNIQUE(exchange, client_order_id)
);

CREATE INDEX IF NOT EXISTS idx_orders_bot ON orders(bot_id);
CREATE INDEX IF NOT EXISTS idx_orders_bot_status ON orders(bot_id, status);

CREATE TABLE IF NOT EXISTS trades (
	id TEXT PRIMARY KEY,
	bot_id TEXT NOT NULL,
	trade_id TEXT NOT NULL,
	client_order_id TEXT,
	exchange_order_id TEXT,
	exchange TEXT NOT NULL,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	price TEXT NOT NULL,
	amount TEXT NOT NULL,
	fee TEXT NOT NULL DEFAULT '0',
	fee_currency TEXT NOT NULL DEFAULT '',
	ts INTEGER NOT NULL,
	UNIQUE(exchange, trade_id)
);

CREATE INDEX IF NOT EXISTS idx_trades_bot ON trades(bot_id);

CREATE TABLE IF NOT EXISTS bot_snapshots (
	bot_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	reconciled_at INTEGER NOT NULL,
	state_json TEXT NOT NULL,
	state_hash TEXT NOT NULL,
	PRIMARY KEY (bot_id, run_id)
);
`
