package ledger

import (
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS seen_ledger (
		dedup_key VARCHAR(64) PRIMARY KEY,
		account VARCHAR(255) NOT NULL,
		category VARCHAR(32) NOT NULL,
		seen_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		INDEX idx_seen_ledger_expires_at (expires_at)
	)`,
}

// NewMySQLLedger creates a ledger stored in MySQL
func NewMySQLLedger(dsn string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLLedger, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to MySQL database: %w", err)
	}

	return newSQLLedger(db, mysqlSchema, logger, cleanupFreq)
}
