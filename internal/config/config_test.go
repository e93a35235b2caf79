package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	sc, err := cfg.GetSync()
	require.NoError(t, err)
	assert.Equal(t, 30*24*time.Hour, sc.BackfillWindow)
	assert.Equal(t, 25*time.Minute, sc.IdleRefresh)

	pc, err := cfg.GetProcessing()
	require.NoError(t, err)
	assert.Equal(t, 8, pc.MaxConcurrency)
	assert.Equal(t, int64(1024*1024), pc.MaxPartSize)
	assert.Empty(t, pc.SkipDraftCategories)

	nc, err := cfg.GetNotify()
	require.NoError(t, err)
	assert.False(t, nc.Slack.Enabled)
	assert.Empty(t, nc.Slack.Categories)

	llm := cfg.GetLLM()
	assert.Equal(t, "openai", llm.Provider)
	assert.Equal(t, "openai", llm.EmbeddingProvider)

	accounts, err := cfg.GetAccounts()
	require.NoError(t, err)
	assert.Empty(t, accounts)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
llm:
  provider: gemini
embedding:
  provider: openai
processing:
  max_concurrency: 0
  skip_draft_categories: ["spam", "Out of Office"]
  skip_draft_domains: ["example.com"]
accounts:
  - user: sales@example.com
    password: keyring:sales
    host: imap.example.com
    tls: true
  - user: ops@example.com
    password: secret
    host: mail.example.com
    port: 143
`)
	cfg, err := NewWithFile(path)
	require.NoError(t, err)

	llm := cfg.GetLLM()
	assert.Equal(t, "gemini", llm.Provider)
	assert.Equal(t, "openai", llm.EmbeddingProvider)

	pc, err := cfg.GetProcessing()
	require.NoError(t, err)
	assert.Equal(t, 1, pc.MaxConcurrency)
	assert.Equal(t, []core.Category{core.CategorySpam, core.CategoryOutOfOffice}, pc.SkipDraftCategories)
	assert.Equal(t, []string{"example.com"}, pc.SkipDraftDomains)

	accounts, err := cfg.GetAccounts()
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, core.AccountConfig{
		User:     "sales@example.com",
		Password: "keyring:sales",
		Host:     "imap.example.com",
		Port:     993,
		TLS:      true,
	}, accounts[0])
	assert.Equal(t, 143, accounts[1].Port)
	assert.False(t, accounts[1].TLS)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("ONEBOX_LLM_PROVIDER", "bedrock")
	t.Setenv("ONEBOX_SERVER_LISTEN_ADDRESS", ":8080")

	cfg, err := NewWithFile(writeConfig(t, "llm:\n  provider: gemini\n"))
	require.NoError(t, err)

	assert.Equal(t, "bedrock", cfg.GetLLM().Provider)
	sc, err := cfg.GetServer()
	require.NoError(t, err)
	assert.Equal(t, ":8080", sc.ListenAddress)
	assert.Equal(t, "*", sc.CORSOrigin)
}

func TestInvalidValues(t *testing.T) {
	cfg := NewFromViper(NewEmptyViper())

	cfg.Set("sync.idle_refresh", "soon")
	_, err := cfg.GetSync()
	assert.ErrorContains(t, err, "sync.idle_refresh")

	cfg.Set("notify.webhook.categories", []string{"Urgent"})
	_, err = cfg.GetNotify()
	assert.ErrorContains(t, err, "Urgent")
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := NewWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
