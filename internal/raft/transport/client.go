package transport

import (
	"context"

	"google.golang.org/grpc"

	"raft-session-protocol/internal/raft/protocol"
)

// SessionClient calls the session service over a gRPC connection. Responses are decoded into a caller supplied
// value, so callers can use the pooled responses of the protocol package.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionClient wraps a connection. The connection does not need to be dialed with the session codec.
func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) invoke(ctx context.Context, method string, in, out protocol.Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.ForceCodec(protocol.Codec{})}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *SessionClient) Connect(ctx context.Context, in *protocol.ConnectRequest, out *protocol.ConnectResponse,
	opts ...grpc.CallOption) error {
	return c.invoke(ctx, connectMethod, in, out, opts)
}

func (c *SessionClient) Register(ctx context.Context, in *protocol.RegisterRequest, out *protocol.RegisterResponse,
	opts ...grpc.CallOption) error {
	return c.invoke(ctx, registerMethod, in, out, opts)
}

func (c *SessionClient) KeepAlive(ctx context.Context, in *protocol.KeepAliveRequest, out *protocol.KeepAliveResponse,
	opts ...grpc.CallOption) error {
	return c.invoke(ctx, keepAliveMethod, in, out, opts)
}

func (c *SessionClient) Unregister(ctx context.Context, in *protocol.UnregisterRequest,
	out *protocol.UnregisterResponse, opts ...grpc.CallOption) error {
	return c.invoke(ctx, unregisterMethod, in, out, opts)
}

func (c *SessionClient) Command(ctx context.Context, in *protocol.CommandRequest, out *protocol.CommandResponse,
	opts ...grpc.CallOption) error {
	return c.invoke(ctx, commandMethod, in, out, opts)
}

func (c *SessionClient) Query(ctx context.Context, in *protocol.QueryRequest, out *protocol.QueryResponse,
	opts ...grpc.CallOption) error {
	return c.invoke(ctx, queryMethod, in, out, opts)
}
