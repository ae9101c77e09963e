package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLoggerConfigProduction(t *testing.T) {
	cfg, err := loggerConfig(LogOptions{Env: "production", Service: "order-core", Level: "warn"})
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Encoding)
	assert.Equal(t, zapcore.WarnLevel, cfg.Level.Level())
	assert.Equal(t, "ts", cfg.EncoderConfig.TimeKey)
	assert.Equal(t, "order-core", cfg.InitialFields["service"])
	assert.Equal(t, "production", cfg.InitialFields["env"])
}

func TestLoggerConfigDevelopmentDefaults(t *testing.T) {
	cfg, err := loggerConfig(LogOptions{Env: "development", Service: "order-core"})
	require.NoError(t, err)

	assert.Equal(t, "console", cfg.Encoding)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level.Level())
	assert.True(t, cfg.Development)
}

func TestLoggerConfigRejectsUnknownLevel(t *testing.T) {
	_, err := loggerConfig(LogOptions{Env: "production", Level: "loud"})
	assert.ErrorContains(t, err, "invalid log level")
}

func TestSetLoggerReplacesProcessLogger(t *testing.T) {
	prev := GetLogger()
	t.Cleanup(func() { SetLogger(prev) })

	nop := zap.NewNop()
	SetLogger(nop)
	assert.Same(t, nop, GetLogger())
}
