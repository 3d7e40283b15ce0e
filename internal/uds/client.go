package uds

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultClientTimeout bounds one round trip when the caller's context has
// no earlier deadline.
const DefaultClientTimeout = 30 * time.Second

// Client talks to the daemon over its socket, one connection per request.
type Client struct {
	socketPath string
	timeout    time.Duration
	dialer     net.Dialer
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: DefaultClientTimeout}
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

// SendContext performs one request/response exchange. The earlier of the
// ctx deadline and the client timeout applies to the whole exchange.
func (c *Client) SendContext(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w\n"+
			"Is the daemon running? Start it with: bestbefore daemon", c.socketPath, err)
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	// Unblock the frame I/O on cancellation, not only on the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if err := WriteFrame(conn, req); err != nil {
		return nil, fmt.Errorf("send %s: %w", req.Command, contextErr(ctx, err))
	}
	var resp Response
	if err := ReadFrame(conn, &resp); err != nil {
		return nil, fmt.Errorf("read %s response: %w", req.Command, contextErr(ctx, err))
	}
	return &resp, nil
}

func (c *Client) Send(req *Request) (*Response, error) {
	return c.SendContext(context.Background(), req)
}

func (c *Client) SendCommand(command string, params any) (*Response, error) {
	return c.SendCommandContext(context.Background(), command, params)
}

func (c *Client) SendCommandContext(ctx context.Context, command string, params any) (*Response, error) {
	req, err := NewRequest(command, params)
	if err != nil {
		return nil, err
	}
	return c.SendContext(ctx, req)
}

// Call sends command and decodes a successful response into out.
func (c *Client) Call(ctx context.Context, command string, params, out any) error {
	resp, err := c.SendCommandContext(ctx, command, params)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
