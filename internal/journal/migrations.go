package journal

import (
	"database/sql"
	"fmt"

	"github.com/megadoom99/trading/internal/observ"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// Migrations run in order inside a transaction each; schema_migrations
// records what has been applied so reruns are no-ops.
var migrations = []migration{
	{
		version: 1,
		name:    "create_trades",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS trades (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				order_id TEXT NOT NULL UNIQUE,
				user_id TEXT,
				symbol TEXT NOT NULL,
				action TEXT NOT NULL,
				quantity INTEGER NOT NULL,
				entry_price REAL NOT NULL,
				exit_price REAL,
				stop_loss REAL,
				take_profit REAL,
				horizon TEXT,
				confidence REAL,
				reasoning TEXT,
				status TEXT NOT NULL DEFAULT 'OPEN',
				realized_pnl REAL,
				opened_at TIMESTAMP NOT NULL,
				closed_at TIMESTAMP
			)`,
		},
	},
	{
		version: 2,
		name:    "create_users_settings",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS users (
				id TEXT PRIMARY KEY,
				name TEXT,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS user_settings (
				user_id TEXT PRIMARY KEY REFERENCES users(id),
				execution_mode TEXT,
				trading_horizon TEXT,
				margin_enabled INTEGER DEFAULT 0,
				max_position_usd REAL,
				updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 3,
		name:    "create_alerts",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS alerts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id TEXT,
				symbol TEXT NOT NULL,
				condition TEXT NOT NULL,
				threshold REAL NOT NULL,
				triggered_at TIMESTAMP,
				created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
			)`,
		},
	},
	{
		version: 4,
		name:    "create_signals",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS signals (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				symbol TEXT NOT NULL,
				direction TEXT NOT NULL,
				confidence REAL NOT NULL,
				horizon TEXT NOT NULL,
				entry REAL,
				stop_loss REAL,
				take_profit REAL,
				outcome TEXT,
				reason TEXT,
				created_at TIMESTAMP NOT NULL
			)`,
		},
	},
	{
		version: 5,
		name:    "index_trades_symbol_status",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_status ON trades(status)`,
			`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id)`,
		},
	},
}

func migrate(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, m.version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if n > 0 {
			continue
		}
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
			}
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, m.version, m.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		observ.Log("migration_applied", map[string]any{"version": m.version, "name": m.name})
	}
	return nil
}
