package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/sidecus/raftkv/raft"
	"github.com/sidecus/raftkv/transport"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

const serviceName = "raftkv.Transport"

// ServiceDesc is a hand-registered grpc.ServiceDesc standing in for what
// protoc-gen-go-grpc would normally generate from a .proto file. Each
// handler decodes straight into the raft package's own wire structs via the
// JSON codec above, so no generated message types are needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*transport.Handler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "raftkv/transport.proto",
}

// RegisterTransportServer wires a transport.Handler (raft.Node satisfies
// this directly) into a *grpc.Server.
func RegisterTransportServer(s *grpc.Server, srv transport.Handler) {
	s.RegisterService(&ServiceDesc, srv)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).AppendEntries(in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).AppendEntries(req.(*raft.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).RequestVote(in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).RequestVote(req.(*raft.RequestVoteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(raft.InstallSnapshotRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(transport.Handler).InstallSnapshot(in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/InstallSnapshot"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(transport.Handler).InstallSnapshot(req.(*raft.InstallSnapshotRequest))
	}
	return interceptor(ctx, in, info, handler)
}
