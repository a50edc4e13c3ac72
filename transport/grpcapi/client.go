package grpcapi

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/sidecus/raftkv/raft"
	"github.com/sidecus/raftkv/util"
)

// Client is a per-peer gRPC connection implementing raft.PeerTransport
// (and transport.Client), generalizing the teacher's KVPeerClient.
type Client struct {
	peerID raft.NodeID
	conn   *grpc.ClientConn
}

// Dial opens a (lazy, non-blocking) connection to a peer. gRPC's dial is
// non-blocking by default, matching the teacher's assumption in
// kvstorepeerclient.go that NewPeerProxy cannot itself fail to connect.
func Dial(id raft.NodeID, address string) (*Client, error) {
	conn, err := grpc.Dial(
		address,
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing peer %d at %s: %w", id, address, err)
	}
	return &Client{peerID: id, conn: conn}, nil
}

func (c *Client) AppendEntries(ctx context.Context, req *raft.AppendEntriesRequest) (*raft.AppendEntriesReply, error) {
	reply := new(raft.AppendEntriesReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/AppendEntries", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) RequestVote(ctx context.Context, req *raft.RequestVoteRequest) (*raft.RequestVoteReply, error) {
	reply := new(raft.RequestVoteReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/RequestVote", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

func (c *Client) InstallSnapshot(ctx context.Context, req *raft.InstallSnapshotRequest) (*raft.InstallSnapshotReply, error) {
	reply := new(raft.InstallSnapshotReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/InstallSnapshot", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientFactory implements raft.PeerTransportFactory by lazily dialing each
// peer's known address.
type ClientFactory struct {
	Addresses map[raft.NodeID]string
}

// NewPeerTransport implements raft.PeerTransportFactory. A dial failure
// here is fatal -- matching the teacher's util.Panicln on a proxy-creation
// error -- since it can only happen on a malformed address, a programming
// error rather than a transient network condition.
func (f *ClientFactory) NewPeerTransport(id raft.NodeID) raft.PeerTransport {
	address, ok := f.Addresses[id]
	if !ok {
		util.L().Fatalw("no address configured for peer", "peer_id", id)
	}
	client, err := Dial(id, address)
	if err != nil {
		util.L().Fatalw("failed to dial peer", "error", err, "peer_id", id)
	}
	return client
}
