// Package master drives slaves: it connects, runs the handshake and issues
// command sequences.
package master

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/protocol/transfer"
	"github.com/goodieshq/goclust/internal/transport"
	"github.com/goodieshq/goclust/internal/utils"
)

const DefaultDialTimeout = 3 * time.Second

type ClientOpts struct {
	TLS         *tls.Config // nil dials plain TCP
	MagicLength int
	Resync      protocol.ResyncMode
	DialTimeout *time.Duration
	Rand        io.Reader // magic source, crypto/rand when nil
	MaxRate     int       // content bytes per second per transfer, 0 disables
	Metrics     *metrics.Metrics
}

type Client struct {
	tls         *tls.Config
	magicLength int
	resync      protocol.ResyncMode
	dialTimeout time.Duration
	rand        io.Reader
	maxRate     int
	metrics     *metrics.Metrics
}

func NewClient(opts ClientOpts) *Client {
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	return &Client{
		tls:         opts.TLS,
		magicLength: utils.DefaultIfZero(opts.MagicLength, protocol.MagicLength),
		resync:      opts.Resync,
		dialTimeout: utils.DefaultIfNil(opts.DialTimeout, DefaultDialTimeout),
		rand:        r,
		maxRate:     opts.MaxRate,
		metrics:     opts.Metrics,
	}
}

// Connect dials address and initiates the handshake.
func (c *Client) Connect(ctx context.Context, address string) (*protocol.Conn, error) {
	raw, err := transport.Dial(ctx, address, c.tls, c.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}

	conn, err := protocol.Initiate(ctx, raw, c.rand, c.magicLength)
	c.metrics.Handshake("master", err)
	if err != nil {
		return nil, fmt.Errorf("handshake failed: %w", err)
	}

	logger := conn.Logger()
	logger.Debug().Str("address", address).Msg("Connected to slave")
	return conn, nil
}

func (c *Client) transferOpts() []transfer.Option {
	if l := transfer.NewLimiter(c.maxRate); l != nil {
		return []transfer.Option{transfer.WithLimiter(l)}
	}
	return nil
}

// command sends flag and waits for the slave's acknowledgement
func (c *Client) command(ctx context.Context, conn *protocol.Conn, flag protocol.Flag) (*protocol.Conn, error) {
	conn, err := conn.WriteFlag(ctx, flag)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", flag, err)
	}
	conn, err = conn.AwaitAck(ctx, c.resync)
	if err != nil {
		return nil, fmt.Errorf("failed to get acknowledgement for %s: %w", flag, err)
	}
	return conn, nil
}
