// Package rpc is the gRPC transport between gateway, heads and workers.
package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/kailas-cloud/flowgate/internal/domain/request"
)

// Worker protocol method names.
const (
	ServiceName       = "flowgate.Worker"
	ProcessMethod     = "/" + ServiceName + "/ProcessSingleData"
	DiscoveryMethod   = "/" + ServiceName + "/EndpointDiscovery"
	CallMethod        = "/" + ServiceName + "/Call"
	processMethodName = "ProcessSingleData"
	discoveryName     = "EndpointDiscovery"
	callName          = "Call"
)

// EndpointsRequest is the empty EndpointDiscovery input.
type EndpointsRequest struct{}

// EndpointsResponse lists the exec endpoints a deployment serves.
type EndpointsResponse struct {
	Endpoints []string `json:"endpoints"`
}

// WorkerServer is implemented by every deployment that receives requests.
type WorkerServer interface {
	ProcessSingleData(ctx context.Context, req *request.Request) (*request.Response, error)
	EndpointDiscovery(ctx context.Context, req *EndpointsRequest) (*EndpointsResponse, error)
	Call(stream grpc.BidiStreamingServer[request.Request, request.Response]) error
}

// ServiceDesc describes the worker protocol.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: processMethodName, Handler: processHandler},
		{MethodName: discoveryName, Handler: discoveryHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    callName,
			Handler:       callHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "flowgate/worker",
}

func processHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(request.Request)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).ProcessSingleData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ProcessMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).ProcessSingleData(ctx, req.(*request.Request))
	}
	return interceptor(ctx, in, info, handler)
}

func discoveryHandler(
	srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(EndpointsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WorkerServer).EndpointDiscovery(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DiscoveryMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WorkerServer).EndpointDiscovery(ctx, req.(*EndpointsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func callHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WorkerServer).Call(&grpc.GenericServerStream[request.Request, request.Response]{ServerStream: stream})
}
