// Package transport defines the network-adapter contract (§4.F): the wire
// operations a peer-to-peer raft transport must offer, independent of
// whatever concrete protocol realizes them. grpcapi is one such realization.
package transport

import (
	"github.com/sidecus/raftkv/raft"
)

// Handler is implemented by raft.Node (directly, since its AppendEntries/
// RequestVote/InstallSnapshot methods already match this shape) and invoked
// by a transport server on receipt of a peer RPC.
type Handler interface {
	AppendEntries(req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error)
	RequestVote(req *raft.RequestVoteRequest) (*raft.RequestVoteReply, error)
	InstallSnapshot(req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotReply, error)
}

// Client is the per-peer dialing contract satisfying raft.PeerTransport;
// kept as a distinct name here since callers outside the raft package refer
// to it as the transport they dialed, not as "the engine's view of a peer".
type Client interface {
	raft.PeerTransport
	// Close releases any underlying connection resources.
	Close() error
}
