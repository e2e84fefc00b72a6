// Package client talks to a running smsd over its Unix socket.
package client

import (
	"context"
	"fmt"
	"io"

	"github.com/matheus3301/voipsms/internal/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn}, nil
}

// Call invokes a unary Messaging method. req may be nil.
func (c *Client) Call(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadStream receives unread notices from WatchUnread.
type UnreadStream struct {
	stream grpc.ClientStream
}

// Recv blocks for the next notice. It returns io.EOF when the daemon ends
// the stream.
func (s *UnreadStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}

// WatchUnread opens the unread notice stream, optionally for one line.
func (c *Client) WatchUnread(ctx context.Context, line string) (*UnreadStream, error) {
	desc := &api.MessagingDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, api.FullMethod(api.MethodWatchUnread))
	if err != nil {
		return nil, err
	}
	req := map[string]any{}
	if line != "" {
		req["line"] = line
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil && err != io.EOF {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &UnreadStream{stream: stream}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
