package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

// SQLLedger is a database/sql implementation of core.SeenLedger shared by
// the SQLite and MySQL backends. Times are stored as unix seconds.
type SQLLedger struct {
	db          *sqlx.DB
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

type ledgerRow struct {
	Key       string `db:"dedup_key"`
	Account   string `db:"account"`
	Category  string `db:"category"`
	SeenAt    int64  `db:"seen_at"`
	ExpiresAt int64  `db:"expires_at"`
}

func newSQLLedger(db *sqlx.DB, schema []string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLLedger, error) {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create ledger schema: %w", err)
		}
	}

	l := &SQLLedger{
		db:          db,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	// Start background cleanup
	go runCleanup(l, logger, cleanupFreq, l.stopCh)

	return l, nil
}

// Get retrieves an unexpired entry
func (l *SQLLedger) Get(ctx context.Context, key string) (*core.LedgerEntry, error) {
	var row ledgerRow
	err := l.db.GetContext(ctx, &row, `
		SELECT dedup_key, account, category, seen_at, expires_at
		FROM seen_ledger
		WHERE dedup_key = ? AND expires_at > ?
	`, key, l.now().Unix())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}

	return &core.LedgerEntry{
		Key:       row.Key,
		Account:   row.Account,
		Category:  core.Category(row.Category),
		SeenAt:    time.Unix(row.SeenAt, 0),
		ExpiresAt: time.Unix(row.ExpiresAt, 0),
	}, nil
}

// Set stores an entry, replacing any previous one for the key
func (l *SQLLedger) Set(ctx context.Context, entry *core.LedgerEntry) error {
	_, err := l.db.NamedExecContext(ctx, `
		REPLACE INTO seen_ledger (dedup_key, account, category, seen_at, expires_at)
		VALUES (:dedup_key, :account, :category, :seen_at, :expires_at)
	`, ledgerRow{
		Key:       entry.Key,
		Account:   entry.Account,
		Category:  string(entry.Category),
		SeenAt:    entry.SeenAt.Unix(),
		ExpiresAt: entry.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

// Cleanup removes expired entries
func (l *SQLLedger) Cleanup(ctx context.Context) error {
	result, err := l.db.ExecContext(ctx, `DELETE FROM seen_ledger WHERE expires_at <= ?`, l.now().Unix())
	if err != nil {
		return fmt.Errorf("failed to clean up expired entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		l.logger.Warn("Failed to get rows affected during cleanup", zap.Error(err))
	} else {
		l.logger.Debug("Cleaned up expired ledger entries", zap.Int64("expired_count", rowsAffected))
	}
	return nil
}

// Stop stops the background cleanup task and closes the database connection
func (l *SQLLedger) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		if err := l.db.Close(); err != nil {
			l.logger.Error("Failed to close ledger database", zap.Error(err))
		}
	})
}
