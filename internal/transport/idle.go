package transport

import (
	"net"
	"time"
)

type idleConn struct {
	net.Conn
	timeout time.Duration
}

// WithIdleTimeout pushes the deadline of conn forward before every read and
// write, so that only a peer silent for longer than timeout is cut off.
// A timeout of 0 returns conn unchanged.
func WithIdleTimeout(conn net.Conn, timeout time.Duration) net.Conn {
	if timeout <= 0 {
		return conn
	}
	return &idleConn{Conn: conn, timeout: timeout}
}

func (c *idleConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *idleConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
