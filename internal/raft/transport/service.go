package transport

import (
	"context"

	"google.golang.org/grpc"

	"raft-session-protocol/internal/raft/protocol"
)

// ServiceName is the fully qualified gRPC name of the session service
const ServiceName = "raft.session.SessionService"

const (
	connectMethod    = "/" + ServiceName + "/Connect"
	registerMethod   = "/" + ServiceName + "/Register"
	keepAliveMethod  = "/" + ServiceName + "/KeepAlive"
	unregisterMethod = "/" + ServiceName + "/Unregister"
	commandMethod    = "/" + ServiceName + "/Command"
	queryMethod      = "/" + ServiceName + "/Query"
)

// SessionServiceServer is implemented by every server that accepts client sessions. Protocol failures are reported
// inside the response; a returned error is a transport failure.
type SessionServiceServer interface {
	Connect(ctx context.Context, req *protocol.ConnectRequest) (*protocol.ConnectResponse, error)
	Register(ctx context.Context, req *protocol.RegisterRequest) (*protocol.RegisterResponse, error)
	KeepAlive(ctx context.Context, req *protocol.KeepAliveRequest) (*protocol.KeepAliveResponse, error)
	Unregister(ctx context.Context, req *protocol.UnregisterRequest) (*protocol.UnregisterResponse, error)
	Command(ctx context.Context, req *protocol.CommandRequest) (*protocol.CommandResponse, error)
	Query(ctx context.Context, req *protocol.QueryRequest) (*protocol.QueryResponse, error)
}

// RegisterSessionServiceServer registers srv with a gRPC server. The server must be created with ServerOptions so
// that messages are framed by the session codec.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServiceServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// ServerOptions returns the options a gRPC server needs to speak the session protocol
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{grpc.ForceServerCodec(protocol.Codec{})}
}

// SessionServiceDesc describes the session service to gRPC
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Connect",
			Handler: unaryHandler(connectMethod, func() *protocol.ConnectRequest { return new(protocol.ConnectRequest) },
				SessionServiceServer.Connect),
		},
		{
			MethodName: "Register",
			Handler: unaryHandler(registerMethod, func() *protocol.RegisterRequest { return new(protocol.RegisterRequest) },
				SessionServiceServer.Register),
		},
		{
			MethodName: "KeepAlive",
			Handler: unaryHandler(keepAliveMethod,
				func() *protocol.KeepAliveRequest { return new(protocol.KeepAliveRequest) },
				SessionServiceServer.KeepAlive),
		},
		{
			MethodName: "Unregister",
			Handler: unaryHandler(unregisterMethod,
				func() *protocol.UnregisterRequest { return new(protocol.UnregisterRequest) },
				SessionServiceServer.Unregister),
		},
		{
			MethodName: "Command",
			Handler: unaryHandler(commandMethod, func() *protocol.CommandRequest { return new(protocol.CommandRequest) },
				SessionServiceServer.Command),
		},
		{
			MethodName: "Query",
			Handler: unaryHandler(queryMethod, func() *protocol.QueryRequest { return new(protocol.QueryRequest) },
				SessionServiceServer.Query),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raft_session.proto",
}

// unaryHandler builds the handler gRPC calls for one method: decode the request, then run the interceptor chain
func unaryHandler[Req protocol.Message, Resp protocol.Response](
	fullMethod string,
	newReq func() Req,
	call func(SessionServiceServer, context.Context, Req) (Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: fullMethod,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(SessionServiceServer), ctx, req.(Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
