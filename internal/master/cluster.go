package master

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog/log"
)

// Cluster is the set of slaves known to answer pings.
type Cluster struct {
	client *Client

	mu    sync.RWMutex
	addrs []string
}

func NewCluster(client *Client) *Cluster {
	return &Cluster{client: client}
}

// AddNode pings address and registers it only if it answers. Adding a known
// node again still pings it but does not duplicate it.
func (c *Cluster) AddNode(ctx context.Context, address string) error {
	if err := c.PingAddr(ctx, address); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(c.addrs, address) {
		c.addrs = append(c.addrs, address)
		log.Info().Str("address", address).Msg("Node added")
	}
	return nil
}

// PingAddr opens a connection to address, pings it once and closes it.
func (c *Cluster) PingAddr(ctx context.Context, address string) error {
	conn, err := c.client.Connect(ctx, address)
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", address, err)
	}

	conn, err = c.client.Ping(ctx, conn)
	if err != nil {
		return fmt.Errorf("cannot ping %s: %w", address, err)
	}

	log.Debug().Str("address", address).Msg("Node answered ping")
	return conn.Close()
}

// PingAll pings every node in registration order and stops at the first failure
func (c *Cluster) PingAll(ctx context.Context) error {
	for _, address := range c.Nodes() {
		if err := c.PingAddr(ctx, address); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cluster) Nodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.addrs)
}
