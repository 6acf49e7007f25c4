package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false)
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewWithOptions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "run.log")
	logger, err := New(false, WithLevel(zapcore.WarnLevel), WithOutputPaths(path))
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"kept"`)
	assert.Contains(t, string(data), `"ts":`)
	assert.NotContains(t, string(data), "dropped")
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := ParseLevel("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	require.ErrorContains(t, err, "parse log level")
}
