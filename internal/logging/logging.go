// Package logging provides the structured logger used throughout the
// loader: a thin wrapper over zap that mirrors the GetLogger(name).With(kv...)
// call shape every component is constructed with.
package logging

import (
	"go.uber.org/zap"
)

// Logger is a named, structured logger. The zero value is not usable;
// obtain one via GetLogger.
type Logger struct {
	sugar *zap.SugaredLogger
	name  string
}

var base *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	base = l
}

// GetLogger returns a Logger scoped to the given module name.
func GetLogger(module string) *Logger {
	return &Logger{sugar: base.Sugar().Named(module), name: module}
}

// With returns a derived Logger carrying the given key/value pairs on
// every subsequent call.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), name: l.name}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }
