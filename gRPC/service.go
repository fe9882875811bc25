package proto

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 服务只用 protobuf well-known types，不需要生成代码

const (
	ServiceName               = "tabledet.DetectService"
	DetectService_Detect      = "/tabledet.DetectService/Detect"
	DetectService_CheckEngine = "/tabledet.DetectService/CheckEngine"
	DetectService_Shutdown    = "/tabledet.DetectService/Shutdown"
)

type DetectServiceServer interface {
	// Detect takes an encoded image and returns {"boxes": [...], "image": "<base64 png>"}.
	Detect(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
	CheckEngine(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectService_ServiceDesc, srv)
}

func _DetectService_Detect_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Detect}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectServiceServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_CheckEngine_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).CheckEngine(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_CheckEngine}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectServiceServer).CheckEngine(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _DetectService_Shutdown_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServiceServer).Shutdown(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: DetectService_Shutdown}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(DetectServiceServer).Shutdown(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var DetectService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: _DetectService_Detect_Handler},
		{MethodName: "CheckEngine", Handler: _DetectService_CheckEngine_Handler},
		{MethodName: "Shutdown", Handler: _DetectService_Shutdown_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tabledet.proto",
}

type DetectServiceClient interface {
	Detect(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error)
}

type detectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) DetectServiceClient {
	return &detectServiceClient{cc}
}

func (c *detectServiceClient) Detect(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_Detect, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) CheckEngine(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DetectService_CheckEngine, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *detectServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	out := new(emptypb.Empty)
	if err := c.cc.Invoke(ctx, DetectService_Shutdown, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
