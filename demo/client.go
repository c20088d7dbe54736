package demo

import (
	"context"
	"io"

	"tunnel-rpc/client"
	"tunnel-rpc/execution"
)

// Client calls the files service through a tunnel-rpc client.
type Client struct {
	stub *client.Stub
}

func NewClient(c *client.Client) *Client {
	return &Client{stub: c.Stub(ServiceID)}
}

func (c *Client) Echo(ctx context.Context, s string) (string, error) {
	var out string
	err := c.stub.Invoke(ctx, "Echo", &out, client.Value(s))
	return out, err
}

// Checksum returns the hex SHA-256 of r, which is read by the server on demand.
func (c *Client) Checksum(ctx context.Context, exec execution.Callback, r io.Reader) (string, error) {
	var sum string
	err := c.stub.Invoke(ctx, "Checksum", &sum, client.Exec(exec), client.Stream(r))
	return sum, err
}

// Concat returns the total length of rs. Nil readers count as empty.
func (c *Client) Concat(ctx context.Context, exec execution.Callback, rs ...io.Reader) (int64, error) {
	var n int64
	err := c.stub.Invoke(ctx, "Concat", &n, client.Exec(exec), client.StreamArray(rs...))
	return n, err
}

// Confirm shows prompt to the user through exec's asker.
func (c *Client) Confirm(ctx context.Context, exec execution.Callback, prompt string) (bool, error) {
	var ok bool
	err := c.stub.Invoke(ctx, "Confirm", &ok, client.Exec(exec), client.Value(prompt))
	return ok, err
}

// Countdown starts a countdown of n ticks. cb.Finished receives a *int once it is over.
func (c *Client) Countdown(ctx context.Context, exec execution.Callback, n int, cb execution.ResultCallback) (*client.Call, error) {
	return c.stub.Start(ctx, "Countdown", client.Exec(exec), client.Value(n), client.Result(cb, new(int)))
}
