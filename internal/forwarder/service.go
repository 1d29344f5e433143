package forwarder

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const sendDataMethod = "/forwarder.Forwarder/SendData"

// ForwarderServer is the collector side of the forwarder service. Requests
// carry {"deviceId", "payload"}; responses carry {"success"}.
type ForwarderServer interface {
	SendData(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func RegisterForwarderServer(s grpc.ServiceRegistrar, srv ForwarderServer) {
	s.RegisterService(&forwarderServiceDesc, srv)
}

func sendDataHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ForwarderServer).SendData(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sendDataMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ForwarderServer).SendData(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var forwarderServiceDesc = grpc.ServiceDesc{
	ServiceName: "forwarder.Forwarder",
	HandlerType: (*ForwarderServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendData", Handler: sendDataHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "forwarder.proto",
}
