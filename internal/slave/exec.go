package slave

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/protocol/transfer"
)

var ErrEmptyCommand = errors.New("empty command")

// Executor runs a command line received from the master and returns what it printed.
type Executor interface {
	Execute(ctx context.Context, command string) ([]byte, error)
}

// CommandExecutor runs commands directly, without a shell. The command line is
// split on whitespace into the program and its arguments.
type CommandExecutor struct {
	Dir     string
	Timeout time.Duration // 0 means no limit
}

func (e *CommandExecutor) Execute(ctx context.Context, command string) ([]byte, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = e.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w", args[0], err)
	}
	return out, nil
}

// execute reads a command line, runs it and streams its output back followed
// by the magic and SlaveOk. A command that fails still answers: the failure is
// appended to the output so the master's stream stays in step.
func (d *Dispatcher) execute(ctx context.Context, c *protocol.Conn) (*protocol.Conn, error) {
	conn, command, err := transfer.ReadLine(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to read command: %w", err)
	}
	logger := conn.Logger()

	t := time.Now()
	out, err := d.Executor.Execute(ctx, command)
	evt := logger.Info().Str("command", command).Dur("took", time.Since(t))
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			out = append(out, []byte(err.Error()+"\n")...)
		}
		evt = evt.AnErr("exec_error", err)
	}
	evt.Msg("Command executed")

	conn, n, err := transfer.WriteDelimited(ctx, conn, bytes.NewReader(out), d.transferOpts()...)
	d.Metrics.Transferred("out", n)
	if err != nil {
		return nil, fmt.Errorf("failed to send command output: %w", err)
	}
	return conn.WriteFlag(ctx, protocol.FlagSlaveOk)
}
