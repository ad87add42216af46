package master

import (
	"context"
	"fmt"
	"io"

	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/protocol/transfer"
)

// Ping checks that the slave answers a MasterPing with SlaveOk.
func (c *Client) Ping(ctx context.Context, conn *protocol.Conn) (*protocol.Conn, error) {
	conn, err := c.command(ctx, conn, protocol.FlagMasterPing)
	if err != nil {
		return nil, err
	}
	return conn.ExpectFlag(ctx, protocol.FlagSlaveOk)
}

// SendFile stores content under path on the slave.
func (c *Client) SendFile(ctx context.Context, conn *protocol.Conn, path string, content io.Reader) (*protocol.Conn, int64, error) {
	conn, err := c.command(ctx, conn, protocol.FlagMasterSendsPath)
	if err != nil {
		return nil, 0, err
	}

	conn, n, err := transfer.SendFile(ctx, conn, path, content, c.transferOpts()...)
	c.metrics.Transferred("out", n)
	if err != nil {
		return nil, n, err
	}

	conn, err = conn.ExpectFlag(ctx, protocol.FlagSlaveOk)
	if err != nil {
		return nil, n, fmt.Errorf("slave did not commit %q: %w", path, err)
	}
	return conn, n, nil
}

// FetchFile copies the slave's file at path into dst.
func (c *Client) FetchFile(ctx context.Context, conn *protocol.Conn, path string, dst io.Writer) (*protocol.Conn, int64, error) {
	conn, err := c.command(ctx, conn, protocol.FlagMasterWantsPath)
	if err != nil {
		return nil, 0, err
	}

	conn, err = transfer.WriteLine(ctx, conn, path)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to request %q: %w", path, err)
	}

	conn, n, err := transfer.ReadDelimited(ctx, conn, dst, c.transferOpts()...)
	c.metrics.Transferred("in", n)
	if err != nil {
		return nil, n, fmt.Errorf("failed to fetch %q: %w", path, err)
	}

	conn, err = conn.ExpectFlag(ctx, protocol.FlagSlaveOk)
	if err != nil {
		return nil, n, err
	}
	return conn, n, nil
}

// Exec runs command on the slave and copies its combined output into dst.
func (c *Client) Exec(ctx context.Context, conn *protocol.Conn, command string, dst io.Writer) (*protocol.Conn, error) {
	conn, err := c.command(ctx, conn, protocol.FlagMasterWantsExecution)
	if err != nil {
		return nil, err
	}

	conn, err = transfer.WriteLine(ctx, conn, command)
	if err != nil {
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	conn, n, err := transfer.ReadDelimited(ctx, conn, dst, c.transferOpts()...)
	c.metrics.Transferred("in", n)
	if err != nil {
		return nil, fmt.Errorf("failed to read command output: %w", err)
	}

	return conn.ExpectFlag(ctx, protocol.FlagSlaveOk)
}
