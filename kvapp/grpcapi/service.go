package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sidecus/raftkv/kvapp"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "raftkv.KVStore"

// ServiceDesc hand-registers the client-facing Set/Delete/Get service,
// generalizing the teacher's pb.KVStoreRaftServer without a protoc step.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*kvapp.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Delete", Handler: deleteHandler},
		{MethodName: "Get", Handler: getHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftkv/kvapp.proto",
}

// RegisterKVStoreServer wires a kvapp.Handler (typically a *kvapp.Service)
// into a *grpc.Server.
func RegisterKVStoreServer(s *grpc.Server, srv kvapp.Handler) {
	s.RegisterService(&ServiceDesc, srv)
}

func setHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(kvapp.SetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kvapp.Handler).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Set"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(kvapp.Handler).Set(ctx, req.(*kvapp.SetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(kvapp.DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kvapp.Handler).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(kvapp.Handler).Delete(ctx, req.(*kvapp.DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(kvapp.GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(kvapp.Handler).Get(in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(kvapp.Handler).Get(req.(*kvapp.GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}
