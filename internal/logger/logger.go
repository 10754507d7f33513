// Package logger is a thin process-wide wrapper around a zap SugaredLogger.
// Callers log a message followed by alternating key/value pairs.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// log discards everything until Init is called, so packages can log from
// tests without setup.
var log = zap.NewNop().Sugar()

// Init builds the global logger. "production" selects the JSON production
// config at info level; any other value selects the development config at the
// named level (debug, info, warn, error), defaulting to info.
func Init(level string) {
	var zapConfig zap.Config

	if level == "production" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}

	switch level {
	case "debug":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	case "warn":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	case "error":
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.ErrorLevel)
	default:
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	l, err := zapConfig.Build()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

// Sync flushes buffered entries.
func Sync() {
	_ = log.Sync()
}

func Debug(msg string, keysAndValues ...interface{}) {
	log.Debugw(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...interface{}) {
	log.Infow(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...interface{}) {
	log.Warnw(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...interface{}) {
	log.Errorw(msg, keysAndValues...)
}

// Fatal logs and exits the process.
func Fatal(msg string, keysAndValues ...interface{}) {
	log.Fatalw(msg, keysAndValues...)
}
