package transport

import (
	"context"
	"strconv"

	"google.golang.org/grpc/metadata"
)

// ForwardHopsKey is the gRPC metadata key carrying how many times a request was already forwarded
const ForwardHopsKey = "x-raft-forward-hops"

// HopsFromIncoming returns the forward hop count of an incoming request. Requests straight from a client have none.
func HopsFromIncoming(ctx context.Context) int {
	values := metadata.ValueFromIncomingContext(ctx, ForwardHopsKey)
	if len(values) == 0 {
		return 0
	}
	hops, err := strconv.Atoi(values[len(values)-1])
	if err != nil || hops < 0 {
		return 0
	}
	return hops
}

// WithHops returns an outgoing context announcing the given hop count
func WithHops(ctx context.Context, hops int) context.Context {
	return metadata.AppendToOutgoingContext(ctx, ForwardHopsKey, strconv.Itoa(hops))
}
