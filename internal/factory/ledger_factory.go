package factory

import (
	"fmt"
	"time"

	"github.com/mikey/mail-onebox/internal/adapters/ledger"
	"github.com/mikey/mail-onebox/internal/config"
	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

type stoppableLedger interface {
	core.SeenLedger
	Stop()
}

// LedgerFactory creates seen-ledgers based on configuration
type LedgerFactory struct {
	cfg    *config.Config
	logger *zap.Logger
	ledger stoppableLedger
}

// NewLedgerFactory creates a new ledger factory
func NewLedgerFactory(cfg *config.Config, logger *zap.Logger) *LedgerFactory {
	return &LedgerFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateLedger creates the ledger named by ledger.type.
// It returns a nil ledger when ledger.enabled is false.
func (f *LedgerFactory) CreateLedger() (core.SeenLedger, error) {
	lc, err := f.cfg.GetLedger()
	if err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}
	if !lc.Enabled {
		f.logger.Info("Seen ledger disabled")
		return nil, nil
	}

	var l stoppableLedger
	switch lc.Type {
	case "memory":
		l = ledger.NewMemoryLedger(f.logger, lc.CleanupFrequency)
	case "sqlite":
		if err := ensureDir(lc.SQLitePath); err != nil {
			return nil, err
		}
		sqlLedger, err := ledger.NewSQLiteLedger(lc.SQLitePath, f.logger, lc.CleanupFrequency)
		if err != nil {
			return nil, err
		}
		l = sqlLedger
	case "mysql":
		sqlLedger, err := ledger.NewMySQLLedger(lc.MySQLDSN, f.logger, lc.CleanupFrequency)
		if err != nil {
			return nil, err
		}
		l = sqlLedger
	default:
		return nil, fmt.Errorf("unsupported ledger type: %s", lc.Type)
	}

	f.logger.Info("Created seen ledger", zap.String("type", lc.Type), zap.Duration("ttl", lc.TTL))
	f.ledger = l
	return l, nil
}

// TTL returns how long processed keys are remembered
func (f *LedgerFactory) TTL() (time.Duration, error) {
	lc, err := f.cfg.GetLedger()
	if err != nil {
		return 0, err
	}
	return lc.TTL, nil
}

// Stop stops the cleanup loop of the created ledger
func (f *LedgerFactory) Stop() {
	if f.ledger != nil {
		f.ledger.Stop()
	}
}
