package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/sidecus/raftkv/kvapp"
)

// Client is a gRPC connection to one node's client-facing KV service,
// generalizing the teacher's command-line client usage of pb.KVStoreRaftClient.
type Client struct {
	conn *grpc.ClientConn
}

// Dial opens a connection to address.
func Dial(address string) (*Client, error) {
	conn, err := grpc.Dial(
		address,
		grpc.WithInsecure(),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Set calls the node's Set RPC.
func (c *Client) Set(ctx context.Context, req *kvapp.SetRequest) (*kvapp.SetReply, error) {
	reply := new(kvapp.SetReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Set", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Delete calls the node's Delete RPC.
func (c *Client) Delete(ctx context.Context, req *kvapp.DeleteRequest) (*kvapp.DeleteReply, error) {
	reply := new(kvapp.DeleteReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Delete", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Get calls the node's Get RPC.
func (c *Client) Get(ctx context.Context, req *kvapp.GetRequest) (*kvapp.GetReply, error) {
	reply := new(kvapp.GetReply)
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Get", req, reply); err != nil {
		return nil, err
	}
	return reply, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
