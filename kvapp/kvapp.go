// Package kvapp is the client-facing key-value vocabulary layer, generalizing
// the teacher's kvstore.KVStore/RPCServer pairing. Where the teacher's
// KVStore both held the in-memory map AND served as the raft.IStateMachine,
// that split no longer exists here: durable application state lives in
// store.BoltStore (§4.B), so Service is reduced to what's left once you take
// storage out of the picture -- translating Set/Delete into raft.Command
// proposals and Get into a direct local read.
package kvapp

import (
	"context"
	"fmt"

	"github.com/sidecus/raftkv/raft"
)

// Reader is the local read-path dependency, satisfied by store.BoltStore.
// Reads are served from this node's own state machine without going through
// the log -- the teacher's KVStore.Get had the same local-only shape.
type Reader interface {
	Get(key string) (string, bool, error)
}

// Proposer is the write-path dependency, satisfied by *raft.Node.
type Proposer interface {
	Propose(ctx context.Context, cmd raft.Command) (interface{}, error)
}

// Service implements the client-facing Set/Delete/Get vocabulary on top of a
// raft.Node and this node's local state machine reader.
type Service struct {
	node   Proposer
	reader Reader
}

// NewService wires a Service to the given node and local reader.
func NewService(node Proposer, reader Reader) *Service {
	return &Service{node: node, reader: reader}
}

// Handler is implemented by *Service and invoked by a transport server on
// receipt of a client RPC, mirroring transport.Handler's role for peer RPCs.
type Handler interface {
	Set(ctx context.Context, req *SetRequest) (*SetReply, error)
	Delete(ctx context.Context, req *DeleteRequest) (*DeleteReply, error)
	Get(req *GetRequest) (*GetReply, error)
}

// SetRequest carries a key/value write.
type SetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetReply echoes the value that was committed.
type SetReply struct {
	Value string `json:"value"`
}

// Set proposes a CmdSet entry and waits for it to commit and apply.
func (s *Service) Set(ctx context.Context, req *SetRequest) (*SetReply, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("kvapp: empty key")
	}

	resp, err := s.node.Propose(ctx, raft.Command{Kind: raft.CmdSet, Key: req.Key, Value: req.Value})
	if err != nil {
		return nil, err
	}

	value, _ := resp.(string)
	return &SetReply{Value: value}, nil
}

// DeleteRequest carries a key removal.
type DeleteRequest struct {
	Key string `json:"key"`
}

// DeleteReply is empty; success is the absence of an error.
type DeleteReply struct{}

// Delete proposes a CmdDel entry and waits for it to commit and apply.
func (s *Service) Delete(ctx context.Context, req *DeleteRequest) (*DeleteReply, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("kvapp: empty key")
	}

	if _, err := s.node.Propose(ctx, raft.Command{Kind: raft.CmdDel, Key: req.Key}); err != nil {
		return nil, err
	}

	return &DeleteReply{}, nil
}

// GetRequest carries a key read.
type GetRequest struct {
	Key string `json:"key"`
}

// GetReply carries the read result; Found is false when the key is absent.
type GetReply struct {
	Value string `json:"value"`
	Found bool   `json:"found"`
}

// Get reads directly from the local state machine, matching the teacher's
// choice of serving reads without a round trip through the log (§9, Open
// Question: reads are last-applied-on-this-node, not linearizable across the
// cluster -- callers that need linearizable reads should route them to the
// leader and are free to layer a read-index barrier on top of Propose).
func (s *Service) Get(req *GetRequest) (*GetReply, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("kvapp: empty key")
	}

	value, found, err := s.reader.Get(req.Key)
	if err != nil {
		return nil, err
	}

	return &GetReply{Value: value, Found: found}, nil
}
