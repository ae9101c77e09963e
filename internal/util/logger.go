package util

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.RWMutex
	logger   *zap.Logger
)

// LogOptions selects the encoder and threshold for the process logger
type LogOptions struct {
	Env     string
	Service string
	Level   string
}

func loggerConfig(opts LogOptions) (zap.Config, error) {
	var cfg zap.Config
	if opts.Env == "production" {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	if opts.Level != "" {
		lvl, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return cfg, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	cfg.InitialFields = map[string]interface{}{"service": opts.Service}
	if opts.Env != "" {
		cfg.InitialFields["env"] = opts.Env
	}
	return cfg, nil
}

// InitLogger builds the process logger and installs it as zap's global
func InitLogger(opts LogOptions) error {
	cfg, err := loggerConfig(opts)
	if err != nil {
		return err
	}
	l, err := cfg.Build()
	if err != nil {
		return err
	}
	SetLogger(l)
	zap.ReplaceGlobals(l)
	return nil
}

// GetLogger returns the process logger, falling back to a development logger
// when InitLogger has not run
func GetLogger() *zap.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger, _ = zap.NewDevelopment()
	}
	return logger
}

// SetLogger replaces the process logger. Tests use it to silence output.
func SetLogger(l *zap.Logger) {
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
}

func SyncLogger() {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger != nil {
		_ = logger.Sync()
	}
}
