package server

import (
	"context"

	"raft-session-protocol/internal/ctxkey"
	"raft-session-protocol/internal/raft/operation"
)

// Request scoped values attached by the handlers and read back when logging failures
var (
	requestSession     = ctxkey.New[uint64]("session")
	requestConsistency = ctxkey.New[operation.ConsistencyLevel]("consistency")
)

func SetRequestSession(ctx context.Context, id uint64) context.Context {
	return requestSession.With(ctx, id)
}

func GetRequestSession(ctx context.Context) (uint64, bool) {
	return requestSession.From(ctx)
}

func SetRequestConsistency(ctx context.Context, level operation.ConsistencyLevel) context.Context {
	return requestConsistency.With(ctx, level)
}

func GetRequestConsistency(ctx context.Context) (operation.ConsistencyLevel, bool) {
	return requestConsistency.From(ctx)
}
