// Package client talks to a session daemon over its Unix domain socket.
package client

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/dfchat/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn *grpc.ClientConn
}

// New dials the daemon's Unix domain socket. The connection is established
// lazily on the first call.
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

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Session calls a dfchat.v1.SessionService method.
func (c *Client) Session(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	return c.invoke(ctx, api.SessionServiceName, method, args)
}

// Chat calls a dfchat.v1.ChatService method.
func (c *Client) Chat(ctx context.Context, method string, args map[string]any) (*structpb.Struct, error) {
	return c.invoke(ctx, api.ChatServiceName, method, args)
}

func (c *Client) invoke(ctx context.Context, service, method string, args map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(args)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+service+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Watch streams daemon events whose kind starts with namespace and calls fn
// for each one. It returns when ctx is done, the stream ends, or fn fails.
func (c *Client) Watch(ctx context.Context, namespace string, fn func(*structpb.Struct) error) error {
	stream, err := c.conn.NewStream(ctx, &api.ChatServiceDesc.Streams[0], api.WatchEventsMethod)
	if err != nil {
		return err
	}
	req, err := structpb.NewStruct(map[string]any{"namespace": namespace})
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(structpb.Struct)
		if err := stream.RecvMsg(evt); err != nil {
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
