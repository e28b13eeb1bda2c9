// Package dbclient drains the dedup queue and dispatches each command to
// the command server over the local socket.
package dbclient

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/wazuh/clusterd/internal/protocol"
)

// commandSource is the subset of queue.DedupQueue the client needs.
type commandSource interface {
	Pop(ctx context.Context) (string, bool)
}

// Client repeatedly pops a command, frames it, and round-trips it against
// the command server over a fresh connection per command (spec.md §4.5:
// "opens a fresh connection to the command server, writes the framed
// command, reads the reply, and closes the connection").
type Client struct {
	socketPath string
	queue      commandSource
	logger     *slog.Logger
	dialTimeout time.Duration
}

// New constructs a Client dialing socketPath for every command popped from
// queue.
func New(socketPath string, queue commandSource, logger *slog.Logger) *Client {
	return &Client{
		socketPath:  socketPath,
		queue:       queue,
		logger:      logger,
		dialTimeout: 5 * time.Second,
	}
}

// Run pops and dispatches commands until ctx is cancelled. Connection
// failure is fatal per spec.md §4.5/§7: a command that cannot reach the
// server would leave the catalogue diverged from the filesystem, so Run
// returns the error rather than skipping the command.
func (c *Client) Run(ctx context.Context) error {
	for {
		cmd, ok := c.queue.Pop(ctx)
		if !ok {
			return ctx.Err()
		}

		if err := c.dispatch(ctx, cmd); err != nil {
			return fmt.Errorf("dbclient: dispatch %q: %w", cmd, err)
		}
	}
}

// dispatch frames and sends one command, logging (but not propagating) the
// server's reply — the reply is observed, never propagated further, per
// spec.md §2's "Reply flow" note.
func (c *Client) dispatch(ctx context.Context, cmd string) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	frame := protocol.Frame(cmd)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	reply := make([]byte, protocol.MaxReplySize)
	n, err := conn.Read(reply)
	if err != nil {
		return fmt.Errorf("read reply: %w", err)
	}

	c.logger.Debug("dbclient: command acknowledged",
		slog.String("command", cmd),
		slog.String("reply", string(reply[:n])))
	return nil
}
