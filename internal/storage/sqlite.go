package storage

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

func NewSQLite(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: dialectSQLite}, nil
}

func migrateSQLite(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS sequences (
			id TEXT PRIMARY KEY,
			form_id TEXT NOT NULL DEFAULT '',
			dedupe_key TEXT NOT NULL DEFAULT '',
			topic TEXT NOT NULL,
			inputs TEXT NOT NULL DEFAULT '{}',
			target_count INTEGER NOT NULL,
			cadence_days INTEGER NOT NULL,
			topic_depth INTEGER NOT NULL DEFAULT 5,
			sections TEXT NOT NULL DEFAULT '[]',
			recipient TEXT NOT NULL,
			preferred_time TEXT NOT NULL,
			timezone TEXT NOT NULL DEFAULT 'UTC',
			progress INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending',
			last_error TEXT,
			next_delivery DATETIME,
			active INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			subject TEXT NOT NULL,
			sections TEXT NOT NULL DEFAULT '[]',
			scheduled_for DATETIME NOT NULL,
			delivered INTEGER NOT NULL DEFAULT 0,
			delivered_at DATETIME,
			provider_message_id TEXT UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (sequence_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sequences_dedupe ON sequences(dedupe_key)`,
		`CREATE INDEX IF NOT EXISTS idx_sequences_status ON sequences(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sequences_next_delivery ON sequences(next_delivery) WHERE next_delivery IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_items_due ON items(delivered, scheduled_for) WHERE delivered = 0`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}
