package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuild(t *testing.T) {
	t.Run("invalid level", func(t *testing.T) {
		_, err := Build(Config{Level: "loud"})
		assert.Error(t, err)
	})

	t.Run("file sink", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "detstream.log")
		l, err := Build(Config{Level: "info", File: path, MaxSizeMB: 1})
		require.NoError(t, err)
		l.Info("frame processed", zap.Int("detections", 3))
		_ = l.Sync()

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "frame processed")
		assert.Contains(t, string(data), "\"timestamp\"")
	})

	t.Run("debug filtered at info", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "detstream.log")
		l, err := Build(Config{Level: "info", File: path})
		require.NoError(t, err)
		l.Debug("hidden")
		l.Info("shown")
		_ = l.Sync()
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "hidden")
		assert.Contains(t, string(data), "shown")
	})
}

func TestInitReplacesGlobals(t *testing.T) {
	require.NoError(t, InitDevelopment())
	assert.Same(t, Log(), zap.L())
	assert.NotNil(t, S())
	Sync()
}
