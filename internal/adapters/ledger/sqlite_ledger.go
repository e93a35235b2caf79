package ledger

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS seen_ledger (
		dedup_key TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		category TEXT NOT NULL,
		seen_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_seen_ledger_expires_at ON seen_ledger(expires_at)`,
}

// NewSQLiteLedger creates a ledger stored in a SQLite file
func NewSQLiteLedger(dbPath string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLLedger, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	return newSQLLedger(db, sqliteSchema, logger, cleanupFreq)
}
