package di

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mikey/mail-onebox/internal/core"
	"github.com/mikey/mail-onebox/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCLIContainerResolvesTextComponents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processing:\n  max_body_size: 64\n"), 0o600))

	container, err := BuildCLIContainer(&CLIFlags{ConfigFile: path})
	require.NoError(t, err)

	err = container.Invoke(func(tp *utils.TextProcessor, parser core.MessageParser) {
		assert.Equal(t, "Hello", tp.HTMLToText("<p>Hello</p>"))

		parsed, err := parser.Parse([]byte("Subject: Hi\r\n\r\nBody\r\n"))
		require.NoError(t, err)
		assert.Equal(t, "Hi", parsed.Subject)
	})
	require.NoError(t, err)
}
