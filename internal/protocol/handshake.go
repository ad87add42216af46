package protocol

import (
	"context"
	"fmt"
	"io"
)

// Initiate opens the master side of a connection: it generates a magic from
// rand and sends it. rw is owned by the returned Conn, and closed on failure.
func Initiate(ctx context.Context, rw io.ReadWriteCloser, rand io.Reader, magicLength int) (*Conn, error) {
	conn, err := New(rw, magicLength)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}

	magic, err := NewMagic(rand, magicLength)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	conn, err = conn.Do(ctx, func(p *Parts) error {
		p.Magic = magic
		if err := p.Write(magic); err != nil {
			return err
		}
		return p.Flush()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send magic: %w", err)
	}

	logger := conn.Logger()
	logger.Debug().Msg("Handshake initiated")
	return conn, nil
}

// Accept opens the slave side of a connection by reading the peer's magic.
// rw is owned by the returned Conn, and closed on failure.
func Accept(ctx context.Context, rw io.ReadWriteCloser, magicLength int) (*Conn, error) {
	conn, err := New(rw, magicLength)
	if err != nil {
		_ = rw.Close()
		return nil, err
	}

	conn, err = conn.ReadMagic(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to receive magic: %w", err)
	}

	logger := conn.Logger()
	logger.Debug().Msg("Handshake accepted")
	return conn, nil
}
