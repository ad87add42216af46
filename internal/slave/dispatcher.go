// Package slave serves master commands: it reads flags off a connection and
// routes each to its handler.
package slave

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/protocol/transfer"
	"github.com/goodieshq/goclust/internal/utils"
)

// ErrPeerClosed is returned when the master hangs up between two commands
var ErrPeerClosed = errors.New("peer closed the connection")

// Dispatcher handles one command exchange at a time. Routes whose collaborator
// is nil are treated like any other unhandled flag.
type Dispatcher struct {
	Resync   protocol.ResyncMode
	Sink     transfer.Sink   // MasterSendsPath
	Source   transfer.Source // MasterWantsPath
	Executor Executor        // MasterWantsExecution
	MaxRate  int             // content bytes per second per transfer, 0 disables
	Metrics  *metrics.Metrics
}

// HandleFlags reads one flag, acknowledges it and runs the matching handler.
// A flag without a route is logged and skipped, the connection is returned
// unchanged. Any failure closes the connection.
func (d *Dispatcher) HandleFlags(ctx context.Context, c *protocol.Conn) (*protocol.Conn, error) {
	logger := c.Logger()

	conn, flag, err := c.ReadFlag(ctx)
	if err != nil {
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %w", ErrPeerClosed, err)
		}
		return nil, fmt.Errorf("failed to read flag: %w", err)
	}
	d.Metrics.FlagReceived(flag)
	logger.Debug().Str("flag", flag.String()).Msg("Received flag")

	conn, err = conn.AckCommand(ctx, d.Resync)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge %s: %w", flag, err)
	}

	switch flag {
	case protocol.FlagMasterPing:
		return conn.WriteFlag(ctx, protocol.FlagSlaveOk)

	case protocol.FlagMasterSendsPath:
		if d.Sink == nil {
			break
		}
		conn, res, err := transfer.ReceiveFile(ctx, conn, d.Sink, d.transferOpts()...)
		d.Metrics.Transferred("in", res.Bytes)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", res.Path).Str("size", utils.DisplayB(uint64(res.Bytes))).Msg("File received")
		return conn, nil

	case protocol.FlagMasterWantsPath:
		if d.Source == nil {
			break
		}
		conn, res, err := transfer.ServeFile(ctx, conn, d.Source, d.transferOpts()...)
		d.Metrics.Transferred("out", res.Bytes)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("path", res.Path).Str("size", utils.DisplayB(uint64(res.Bytes))).Msg("File served")
		return conn, nil

	case protocol.FlagMasterWantsExecution:
		if d.Executor == nil {
			break
		}
		return d.execute(ctx, conn)

	case protocol.FlagSlaveOk:
	}

	d.Metrics.FlagUnhandled(flag)
	logger.Warn().Str("flag", flag.String()).Msg("Unhandled flag")
	return conn, nil
}

func (d *Dispatcher) transferOpts() []transfer.Option {
	if l := transfer.NewLimiter(d.MaxRate); l != nil {
		return []transfer.Option{transfer.WithLimiter(l)}
	}
	return nil
}
