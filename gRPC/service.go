package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The service only uses well-known message types, so its descriptor is
// written out here instead of generated.
const (
	ServiceName           = "detstream.DetectService"
	inferenceFullMethod   = "/" + ServiceName + "/Inference"
	checkEngineFullMethod = "/" + ServiceName + "/CheckEngine"
)

type DetectServiceServer interface {
	Inference(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	CheckEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectServiceDesc, srv)
}

func inferenceHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Inference(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: inferenceFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).Inference(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func checkEngineHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).CheckEngine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: checkEngineFullMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServiceServer).CheckEngine(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var DetectServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Inference", Handler: inferenceHandler},
		{MethodName: "CheckEngine", Handler: checkEngineHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "detstream.proto",
}

type DetectServiceClient interface {
	Inference(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type detectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) DetectServiceClient {
	return &detectServiceClient{cc}
}

func (c *detectServiceClient) Inference(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, inferenceFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, checkEngineFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
