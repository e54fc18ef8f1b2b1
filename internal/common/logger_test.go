package common

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/berrythewa/cadence-proxy/internal/config"
)

func TestNewLogger(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "proxy.log")
	cfg := config.DefaultConfig()
	cfg.Log.Level = "warn"
	cfg.Log.OutputPaths = []string{logPath}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	require.NoError(t, logger.Sync())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), `"msg":"shown"`)
}

func TestNewLoggerFallsBackOnBadLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "loud"
	cfg.Log.Format = "console"
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "proxy.log")}

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestWithForwarding(t *testing.T) {
	base, baseLogs := observer.New(zapcore.InfoLevel)
	extra, extraLogs := observer.New(zapcore.ErrorLevel)

	cfg := config.DefaultConfig()
	cfg.Log.OutputPaths = []string{filepath.Join(t.TempDir(), "proxy.log")}
	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	logger = WithForwarding(logger, base)
	logger = WithForwarding(logger, extra)
	logger.Info("info entry")
	logger.Error("error entry")

	assert.Equal(t, 2, baseLogs.Len())
	require.Equal(t, 1, extraLogs.Len())
	assert.True(t, strings.HasPrefix(extraLogs.All()[0].Message, "error"))
}
