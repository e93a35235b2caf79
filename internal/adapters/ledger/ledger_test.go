package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type testLedger interface {
	core.SeenLedger
	Stop()
}

func forEachLedger(t *testing.T, fn func(t *testing.T, l testLedger, c *clock)) {
	start := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("memory", func(t *testing.T) {
		c := &clock{t: start}
		l := NewMemoryLedger(zaptest.NewLogger(t), 0)
		l.now = c.now
		t.Cleanup(l.Stop)
		fn(t, l, c)
	})
	t.Run("sqlite", func(t *testing.T) {
		c := &clock{t: start}
		l, err := NewSQLiteLedger(":memory:", zaptest.NewLogger(t), 0)
		require.NoError(t, err)
		l.now = c.now
		t.Cleanup(l.Stop)
		fn(t, l, c)
	})
}

func entry(key string, seen time.Time, ttl time.Duration) *core.LedgerEntry {
	return &core.LedgerEntry{
		Key:       key,
		Account:   "sales@example.com",
		Category:  core.CategoryInterested,
		SeenAt:    seen,
		ExpiresAt: seen.Add(ttl),
	}
}

func TestLedgerSetGet(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l testLedger, c *clock) {
		ctx := context.Background()

		_, err := l.Get(ctx, "missing")
		assert.ErrorIs(t, err, core.ErrNotFound)

		require.NoError(t, l.Set(ctx, entry("k1", c.t, time.Hour)))
		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "sales@example.com", got.Account)
		assert.Equal(t, core.CategoryInterested, got.Category)
		assert.True(t, got.ExpiresAt.Equal(c.t.Add(time.Hour)))
	})
}

func TestLedgerSetReplaces(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l testLedger, c *clock) {
		ctx := context.Background()
		require.NoError(t, l.Set(ctx, entry("k1", c.t, time.Hour)))

		updated := entry("k1", c.t, 2*time.Hour)
		updated.Category = core.CategorySpam
		require.NoError(t, l.Set(ctx, updated))

		got, err := l.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, core.CategorySpam, got.Category)
	})
}

func TestLedgerExpiryAndCleanup(t *testing.T) {
	forEachLedger(t, func(t *testing.T, l testLedger, c *clock) {
		ctx := context.Background()
		start := c.t
		require.NoError(t, l.Set(ctx, entry("short", start, time.Minute)))
		require.NoError(t, l.Set(ctx, entry("long", start, time.Hour)))

		c.t = start.Add(2 * time.Minute)
		_, err := l.Get(ctx, "short")
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = l.Get(ctx, "long")
		require.NoError(t, err)

		require.NoError(t, l.Cleanup(ctx))

		// rewinding the clock shows the expired entry was removed, not hidden
		c.t = start
		_, err = l.Get(ctx, "short")
		assert.ErrorIs(t, err, core.ErrNotFound)
		_, err = l.Get(ctx, "long")
		assert.NoError(t, err)
	})
}
