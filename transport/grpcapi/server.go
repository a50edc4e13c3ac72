package grpcapi

import (
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/sidecus/raftkv/transport"
	"github.com/sidecus/raftkv/util"
)

// Server hosts one raft node's transport.Handler on a grpc.Server,
// generalizing the teacher's kvstore.RPCServer to the JSON-codec service
// description in service.go.
type Server struct {
	wg     sync.WaitGroup
	server *grpc.Server
}

// NewServer wraps handler (typically a *raft.Node) as a gRPC service.
func NewServer(handler transport.Handler) *Server {
	s := grpc.NewServer()
	RegisterTransportServer(s, handler)
	return &Server{server: s}
}

// Start listens on address and serves on a background goroutine.
func (s *Server) Start(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(lis); err != nil {
			util.L().Errorw("grpc server stopped serving", "error", err, "address", address)
		}
	}()

	return nil
}

// Stop gracefully stops the server and waits for Start's goroutine to exit.
func (s *Server) Stop() {
	s.server.GracefulStop()
	s.wg.Wait()
}
