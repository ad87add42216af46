package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// Listen opens a TCP listener, wrapped in TLS when tlsConf is not nil
func Listen(address string, tlsConf *tls.Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if tlsConf != nil {
		ln = tls.NewListener(ln, tlsConf)
	}
	return ln, nil
}

// Dial connects to address, completing the TLS handshake when tlsConf is not
// nil, so that the returned stream is ready for the protocol handshake.
func Dial(ctx context.Context, address string, tlsConf *tls.Config, timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	if tlsConf == nil {
		return dialer.DialContext(ctx, "tcp", address)
	}

	conf := tlsConf.Clone()
	if conf.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err == nil {
			conf.ServerName = host
		}
	}
	tlsDialer := &tls.Dialer{NetDialer: dialer, Config: conf}
	return tlsDialer.DialContext(ctx, "tcp", address)
}
