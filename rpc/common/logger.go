package common

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/lni/dragonboat/v4/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Names of the loggers used throughout dMux
const (
	LoggerRPC       = "rpc"
	LoggerHost      = "rpc/host"
	LoggerClient    = "rpc/client"
	LoggerTransport = "transport/rpc"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// dMuxLogger implements logger.ILogger on top of a zap sugared logger
type dMuxLogger struct {
	level zap.AtomicLevel
	sugar *zap.SugaredLogger
}

func (l *dMuxLogger) SetLevel(level logger.LogLevel) {
	l.level.SetLevel(toZapLevel(level))
}

func (l *dMuxLogger) Debugf(format string, args ...interface{}) {
	if l.level.Enabled(zapcore.DebugLevel) {
		l.sugar.Debugf(format, args...)
	}
}

func (l *dMuxLogger) Infof(format string, args ...interface{}) {
	if l.level.Enabled(zapcore.InfoLevel) {
		l.sugar.Infof(format, args...)
	}
}

func (l *dMuxLogger) Warningf(format string, args ...interface{}) {
	if l.level.Enabled(zapcore.WarnLevel) {
		l.sugar.Warnf(format, args...)
	}
}

func (l *dMuxLogger) Errorf(format string, args ...interface{}) {
	if l.level.Enabled(zapcore.ErrorLevel) {
		l.sugar.Errorf(format, args...)
	}
}

func (l *dMuxLogger) Panicf(format string, args ...interface{}) {
	l.sugar.Panicf(format, args...)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	baseOnce   sync.Once
	baseLogger *zap.Logger
)

// base builds the shared zap logger. Level filtering happens per package in
// dMuxLogger, so the core itself logs everything.
func base() *zap.Logger {
	baseOnce.Do(func() {
		var cfg zap.Config
		if os.Getenv("APP_ENV") == "production" {
			cfg = zap.NewProductionConfig()
		} else {
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
			cfg.DisableStacktrace = true
		}
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		cfg.DisableCaller = true

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		baseLogger = l
	})
	return baseLogger
}

// CreateLogger is the logger.Factory installed by InitLoggers
func CreateLogger(pkgName string) logger.ILogger {
	return &dMuxLogger{
		level: zap.NewAtomicLevelAt(zapcore.InfoLevel),
		sugar: base().Named(pkgName).Sugar(),
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

func toZapLevel(level logger.LogLevel) zapcore.Level {
	switch level {
	case logger.DEBUG:
		return zapcore.DebugLevel
	case logger.INFO:
		return zapcore.InfoLevel
	case logger.WARNING:
		return zapcore.WarnLevel
	case logger.ERROR:
		return zapcore.ErrorLevel
	case logger.CRITICAL:
		return zapcore.DPanicLevel
	default:
		return zapcore.InfoLevel
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var initOnce sync.Once

// InitLoggers installs the zap backed factory and applies the level to all
// dMux loggers. The factory can only be installed once per process, later
// calls only change the level.
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	initOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	for _, name := range []string{LoggerRPC, LoggerHost, LoggerClient, LoggerTransport} {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}

// SyncLoggers flushes buffered log output
func SyncLoggers() {
	if baseLogger != nil {
		_ = baseLogger.Sync()
	}
}
