package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/427h5dvrch-lang/human-origin/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("Level is applied", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{Level: "warn", Format: "json", Output: "stderr"})
		require.NoError(t, err)
		assert.False(t, logger.Core().Enabled(zap.InfoLevel))
		assert.True(t, logger.Core().Enabled(zap.WarnLevel))
	})

	t.Run("Empty level defaults to info", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{Format: "console"})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zap.InfoLevel))
		assert.False(t, logger.Core().Enabled(zap.DebugLevel))
	})

	t.Run("Invalid level", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("File output", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "notary.log")
		logger, err := New(config.LoggingConfig{Level: "info", Format: "json", Output: path})
		require.NoError(t, err)

		logger.Info("Server stopped")
		_ = logger.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"msg":"Server stopped"`)
	})
}
