package logger

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger Logger = Logger{logr.Discard()}

// Logger exposes the keyed-pairs logging API used throughout the engine.
type Logger struct {
	logr.Logger
}

func GetLogger() Logger {
	return defaultLogger
}

func SetLogger(l logr.Logger) {
	defaultLogger = Logger{l}
}

func InitProduction(level string) {
	initLogger(zap.NewProductionConfig(), level)
}

func InitDevelopment(level string) {
	initLogger(zap.NewDevelopmentConfig(), level)
}

// valid levels: debug, info, warn, error
func initLogger(config zap.Config, level string) {
	if level != "" {
		lvl := zapcore.Level(0)
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, _ := config.Build()
	SetLogger(zapr.NewLogger(l).WithName("confclient"))
}

func (l Logger) WithValues(keysAndValues ...interface{}) Logger {
	return Logger{l.Logger.WithValues(keysAndValues...)}
}

func (l Logger) WithName(name string) Logger {
	return Logger{l.Logger.WithName(name)}
}

func (l Logger) Debugw(msg string, keysAndValues ...interface{}) {
	l.V(1).Info(msg, keysAndValues...)
}

func (l Logger) Infow(msg string, keysAndValues ...interface{}) {
	l.Info(msg, keysAndValues...)
}

func (l Logger) Warnw(msg string, err error, keysAndValues ...interface{}) {
	if err != nil {
		keysAndValues = append(keysAndValues, "error", err)
	}
	l.Info(msg, keysAndValues...)
}

func (l Logger) Errorw(msg string, err error, keysAndValues ...interface{}) {
	l.Error(err, msg, keysAndValues...)
}

func Debugw(msg string, keysAndValues ...interface{}) {
	defaultLogger.Debugw(msg, keysAndValues...)
}

func Infow(msg string, keysAndValues ...interface{}) {
	defaultLogger.Infow(msg, keysAndValues...)
}

func Warnw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Warnw(msg, err, keysAndValues...)
}

func Errorw(msg string, err error, keysAndValues ...interface{}) {
	defaultLogger.Errorw(msg, err, keysAndValues...)
}
