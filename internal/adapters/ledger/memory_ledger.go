package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"go.uber.org/zap"
)

// MemoryLedger is an in-memory implementation of core.SeenLedger
type MemoryLedger struct {
	entries     map[string]core.LedgerEntry
	mu          sync.RWMutex
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
}

// NewMemoryLedger creates a new in-memory ledger
func NewMemoryLedger(logger *zap.Logger, cleanupFreq time.Duration) *MemoryLedger {
	l := &MemoryLedger{
		entries:     make(map[string]core.LedgerEntry),
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}

	// Start background cleanup
	go runCleanup(l, logger, cleanupFreq, l.stopCh)

	return l
}

// Get retrieves an unexpired entry
func (l *MemoryLedger) Get(ctx context.Context, key string) (*core.LedgerEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entry, ok := l.entries[key]
	if !ok || !l.now().Before(entry.ExpiresAt) {
		return nil, core.ErrNotFound
	}
	return &entry, nil
}

// Set stores an entry
func (l *MemoryLedger) Set(ctx context.Context, entry *core.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[entry.Key] = *entry
	return nil
}

// Cleanup removes expired entries
func (l *MemoryLedger) Cleanup(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	expiredCount := 0
	for key, entry := range l.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(l.entries, key)
			expiredCount++
		}
	}

	l.logger.Debug("Cleaned up expired ledger entries", zap.Int("expired_count", expiredCount))
	return nil
}

// Stop stops the background cleanup task
func (l *MemoryLedger) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

type cleaner interface {
	Cleanup(ctx context.Context) error
}

// runCleanup periodically removes expired entries until stopCh is closed
func runCleanup(c cleaner, logger *zap.Logger, freq time.Duration, stopCh <-chan struct{}) {
	if freq <= 0 {
		return
	}
	ticker := time.NewTicker(freq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Cleanup(context.Background()); err != nil {
				logger.Error("Failed to clean up ledger", zap.Error(err))
			}
		case <-stopCh:
			return
		}
	}
}
