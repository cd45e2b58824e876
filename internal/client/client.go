package client

import (
	"bufio"
	"context"
	"net"

	"github.com/cruciblehq/kiln/internal/errs"
	"github.com/cruciblehq/kiln/internal/protocol"
)

// Connects to the daemon socket.
type Client struct {
	socket string
}

// Creates a [Client] for the daemon listening on socket.
func New(socket string) *Client {
	return &Client{socket: socket}
}

// Executes a build and waits for it to finish.
func (c *Client) Build(ctx context.Context, req *protocol.BuildRequest) (*protocol.BuildResult, error) {
	return call[protocol.BuildResult](ctx, c, protocol.CmdBuild, req)
}

// Returns the daemon status.
func (c *Client) Status(ctx context.Context) (*protocol.StatusResult, error) {
	return call[protocol.StatusResult](ctx, c, protocol.CmdStatus, nil)
}

// Asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := call[struct{}](ctx, c, protocol.CmdShutdown, nil)
	return err
}

// Lists cache entries and mount usage.
func (c *Client) CacheList(ctx context.Context) (*protocol.CacheListResult, error) {
	return call[protocol.CacheListResult](ctx, c, protocol.CmdCacheList, nil)
}

// Removes cache entries and, optionally, cache mounts.
func (c *Client) CachePrune(ctx context.Context, req *protocol.CachePruneRequest) (*protocol.CachePruneResult, error) {
	return call[protocol.CachePruneResult](ctx, c, protocol.CmdCachePrune, req)
}

// Sends one command and decodes the response payload into T.
//
// The connection is closed when ctx is done, aborting the exchange. An
// error response is returned as [ErrCommand] carrying the daemon's message.
func call[T any](ctx context.Context, c *Client, cmd protocol.Command, payload any) (*T, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socket)
	if err != nil {
		return nil, errs.Wrapf(ErrDaemon, "%s: %w", c.socket, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, errs.Wrap(ErrDaemon, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(ErrDaemon, err)
	}

	env, raw, err := protocol.Decode(line)
	if err != nil {
		return nil, err
	}

	switch env.Command {
	case protocol.CmdOK:
		return protocol.DecodePayload[T](raw)
	case protocol.CmdError:
		res, err := protocol.DecodePayload[protocol.ErrorResult](raw)
		if err != nil {
			return nil, err
		}
		return nil, errs.Wrapf(ErrCommand, "%s", res.Message)
	default:
		return nil, errs.Wrapf(protocol.ErrProtocol, "unexpected response %q", env.Command)
	}
}
