package minerapi

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service the miner side serves.
const ServiceName = "basilica.miner.v1.MinerService"

// Fully qualified method names, usable with grpc.ClientConn.Invoke and in
// interceptor signing payloads.
const (
	MethodRequestExecutors   = "/" + ServiceName + "/RequestExecutors"
	MethodInitiateSshSession = "/" + ServiceName + "/InitiateSshSession"
	MethodCloseSshSession    = "/" + ServiceName + "/CloseSshSession"
)

// MinerServer is the server-side contract. The production implementation
// lives in the miner's fleet manager; this package carries it for in-process
// test servers and mocks.
type MinerServer interface {
	RequestExecutors(context.Context, *RequestExecutorsRequest) (*RequestExecutorsResponse, error)
	InitiateSshSession(context.Context, *InitiateSshSessionRequest) (*SshSessionInfo, error)
	CloseSshSession(context.Context, *CloseSshSessionRequest) (*CloseSshSessionResponse, error)
}

// RegisterMinerServer wires srv into a grpc server under ServiceName.
func RegisterMinerServer(s grpc.ServiceRegistrar, srv MinerServer) {
	s.RegisterService(&MinerServiceDesc, srv)
}

func requestExecutorsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestExecutorsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).RequestExecutors(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRequestExecutors}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).RequestExecutors(ctx, req.(*RequestExecutorsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func initiateSshSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(InitiateSshSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).InitiateSshSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodInitiateSshSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).InitiateSshSession(ctx, req.(*InitiateSshSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func closeSshSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(CloseSshSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MinerServer).CloseSshSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodCloseSshSession}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MinerServer).CloseSshSession(ctx, req.(*CloseSshSessionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// MinerServiceDesc is the hand-authored service descriptor, in the shape
// protoc-gen-go-grpc emits for a unary-only service.
var MinerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MinerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestExecutors",
			Handler:    requestExecutorsHandler,
		},
		{
			MethodName: "InitiateSshSession",
			Handler:    initiateSshSessionHandler,
		},
		{
			MethodName: "CloseSshSession",
			Handler:    closeSshSessionHandler,
		},
	},
	Streams: []grpc.StreamDesc{},
}
