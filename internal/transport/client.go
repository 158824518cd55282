package transport

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"
	"google.golang.org/grpc/metadata"

	"github.com/roach88/syncvault/internal/keys"
	"github.com/roach88/syncvault/internal/remote"
)

// DefaultCallTimeout bounds a single call when the caller's context has no
// deadline.
const DefaultCallTimeout = 30 * time.Second

// Client is a remote.Remote reached over gRPC.
type Client struct {
	id      string
	conn    *grpc.ClientConn
	timeout time.Duration
}

var (
	_ remote.Remote          = (*Client)(nil)
	_ remote.CredentialStore = (*Client)(nil)
)

// Dial connects to the server at addr. The connection is established lazily
// on the first call.
func Dial(id, addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName), grpc.UseCompressor(gzip.Name)),
	}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{id: id, conn: conn, timeout: DefaultCallTimeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) ID() string { return c.id }

func (c *Client) Pull(ctx context.Context, req remote.PullRequest) (remote.PullResponse, error) {
	var resp remote.PullResponse
	err := c.invoke(ctx, "Pull", &req, &resp)
	return resp, err
}

func (c *Client) Push(ctx context.Context, req remote.PushRequest) (remote.PushResponse, error) {
	var resp remote.PushResponse
	err := c.invoke(ctx, "Push", &req, &resp)
	return resp, err
}

func (c *Client) Notify(ctx context.Context, n remote.Notification) error {
	return c.invoke(ctx, "Notify", &n, &Empty{})
}

func (c *Client) StoreCredential(ctx context.Context, member keys.MemberID, blob []byte) error {
	return c.invoke(ctx, "StoreCredential", &StoreCredentialRequest{Member: member, Blob: blob}, &Empty{})
}

func (c *Client) RetrieveCredential(ctx context.Context, member keys.MemberID) ([]byte, error) {
	var resp CredentialResponse
	if err := c.invoke(ctx, "RetrieveCredential", &RetrieveCredentialRequest{Member: member}, &resp); err != nil {
		return nil, err
	}
	return resp.Blob, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var trailer metadata.MD
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.Trailer(&trailer))
	return fromStatus(ctx, err, trailer)
}
