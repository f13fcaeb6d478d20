package types

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component is a long-running part of the service with its own start and
// stop sequence.
type Component interface {
	Start() error
	Stop() error
	IsRunning() bool
}

type Logger interface {
	Error(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Debug(msg string, fields ...zap.Field)
	Log(lvl zapcore.Level, msg string, fields ...zap.Field)
}
