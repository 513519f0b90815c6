package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// pion/webrtc and friends log through their own factory interface; route it
// into the engine logger so transport logs share one sink.

type pionLoggerFactory struct {
	base Logger
}

func PionLoggerFactory() logging.LoggerFactory {
	return &pionLoggerFactory{base: GetLogger().WithName("pion")}
}

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.base.WithValues("scope", scope)}
}

type pionLogger struct {
	logger Logger
}

func (p *pionLogger) Trace(msg string)                          { p.logger.Debugw(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) { p.Trace(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Debug(msg string)                          { p.logger.Debugw(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) { p.Debug(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Info(msg string)                           { p.logger.Infow(msg) }
func (p *pionLogger) Infof(format string, args ...interface{})  { p.Info(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Warn(msg string)                           { p.logger.Warnw(msg, nil) }
func (p *pionLogger) Warnf(format string, args ...interface{})  { p.Warn(fmt.Sprintf(format, args...)) }
func (p *pionLogger) Error(msg string)                          { p.logger.Errorw(msg, nil) }
func (p *pionLogger) Errorf(format string, args ...interface{}) { p.Error(fmt.Sprintf(format, args...)) }
