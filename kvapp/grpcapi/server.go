package grpcapi

import (
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/sidecus/raftkv/kvapp"
	"github.com/sidecus/raftkv/util"
)

// Server hosts a kvapp.Handler (a node's client-facing Set/Delete/Get
// surface) on a grpc.Server, generalizing the teacher's kvstore.RPCServer.
type Server struct {
	wg     sync.WaitGroup
	server *grpc.Server
}

// NewServer wraps handler (typically a *kvapp.Service) as a gRPC service.
func NewServer(handler kvapp.Handler) *Server {
	s := grpc.NewServer()
	RegisterKVStoreServer(s, handler)
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
			util.L().Errorw("kv grpc server stopped serving", "error", err, "address", address)
		}
	}()

	return nil
}

// Stop gracefully stops the server and waits for Start's goroutine to exit.
func (s *Server) Stop() {
	s.server.GracefulStop()
	s.wg.Wait()
}
