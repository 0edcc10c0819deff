package adminrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// AdminRPCServer is the hand-written server interface adminrpc.Server
// satisfies; it stands in for what protoc-gen-go-grpc would otherwise
// generate from a .proto file (see package doc comment).
type AdminRPCServer interface {
	ListApps(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPools(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListBlocks(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListTriggers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func decodeRequest(dec func(interface{}) error) (*structpb.Struct, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	return in, nil
}

func listAppsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeRequest(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminRPCServer).ListApps(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/latzero.AdminRPC/ListApps"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminRPCServer).ListApps(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listPoolsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeRequest(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminRPCServer).ListPools(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/latzero.AdminRPC/ListPools"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminRPCServer).ListPools(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listBlocksHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeRequest(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminRPCServer).ListBlocks(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/latzero.AdminRPC/ListBlocks"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminRPCServer).ListBlocks(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listTriggersHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeRequest(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminRPCServer).ListTriggers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/latzero.AdminRPC/ListTriggers"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminRPCServer).ListTriggers(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in, err := decodeRequest(dec)
	if err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminRPCServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/latzero.AdminRPC/Stats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminRPCServer).Stats(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the grpc.ServiceDesc a protoc-gen-go-grpc invocation would
// otherwise produce from an adminrpc.proto file defining these five
// read-only, introspection-only RPCs.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "latzero.AdminRPC",
	HandlerType: (*AdminRPCServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListApps", Handler: listAppsHandler},
		{MethodName: "ListPools", Handler: listPoolsHandler},
		{MethodName: "ListBlocks", Handler: listBlocksHandler},
		{MethodName: "ListTriggers", Handler: listTriggersHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "latzero/adminrpc.proto",
}
