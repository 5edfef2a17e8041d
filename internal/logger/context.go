package logger

import (
	"context"

	"go.uber.org/zap"

	"raft-session-protocol/internal/ctxkey"
)

var loggerKey = ctxkey.New[*zap.Logger]("logger")

// NewContext returns a new context carrying log
func NewContext(ctx context.Context, log *zap.Logger) context.Context {
	return loggerKey.With(ctx, log)
}

// FromContext returns the logger carried by ctx, or a no-op logger if there is none
func FromContext(ctx context.Context) *zap.Logger {
	if l, ok := loggerKey.From(ctx); ok && l != nil {
		return l
	}
	return zap.NewNop()
}
