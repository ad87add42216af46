package protocol

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/goodieshq/goclust/internal/utils"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BufferSize is the capacity of the read and write buffers of a connection
const BufferSize = 8 * 1024

// Parts is the deconstructed form of a Conn. Operations take the parts out of
// a Conn, use them, and rebuild a new Conn from them.
type Parts struct {
	ID     ulid.ULID
	Reader *bufio.Reader
	Writer *bufio.Writer
	Magic  Magic
	Closer io.Closer
	Stats  *Stats
	Log    zerolog.Logger
}

// Conn is one end of a master/slave connection.
//
// A Conn has exactly one owner. Every operation consumes the receiver and
// returns a new Conn, leaving the old handle empty: any further use of it fails
// with ErrConnConsumed. When an operation fails the underlying stream is closed
// and no Conn is returned. Taking the parts is atomic, so of two goroutines
// racing on the same handle exactly one wins.
type Conn struct {
	p atomic.Pointer[Parts]
}

// New wraps rw in buffers. The magic is zeroed until the handshake sets it.
func New(rw io.ReadWriteCloser, magicLength int) (*Conn, error) {
	if err := ValidateMagicLength(magicLength); err != nil {
		return nil, err
	}

	id, err := utils.NewULID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate connection ID: %w", err)
	}

	return FromParts(Parts{
		ID:     id,
		Reader: bufio.NewReaderSize(rw, BufferSize),
		Writer: bufio.NewWriterSize(rw, BufferSize),
		Magic:  make(Magic, magicLength),
		Closer: rw,
		Stats:  newStats(),
		Log:    log.With().Str("conn_id", id.String()).Logger(),
	}), nil
}

// FromParts rebuilds a Conn from parts previously taken out of one
func FromParts(p Parts) *Conn {
	c := &Conn{}
	c.p.Store(&p)
	return c
}

// Take consumes c and hands its parts to the caller.
func (c *Conn) Take() (Parts, error) {
	if c == nil {
		return Parts{}, ErrConnConsumed
	}
	p := c.p.Swap(nil)
	if p == nil || p.Reader == nil || p.Writer == nil || p.Closer == nil {
		return Parts{}, ErrConnConsumed
	}
	return *p, nil
}

// peek returns the parts without consuming c, nil once c is consumed
func (c *Conn) peek() *Parts {
	if c == nil {
		return nil
	}
	return c.p.Load()
}

// Do consumes c and runs fn against its parts. Cancelling ctx while fn runs
// closes the underlying stream. On success fn's parts are rebuilt into a new
// Conn; on failure the stream is closed and the error is returned.
func (c *Conn) Do(ctx context.Context, fn func(p *Parts) error) (*Conn, error) {
	p, err := c.Take()
	if err != nil {
		return nil, err
	}

	if err := context.Cause(ctx); err != nil {
		_ = p.Closer.Close()
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = p.Closer.Close()
	})
	err = fn(&p)
	if !stop() {
		// the stream was closed underneath fn
		if err == nil {
			return nil, context.Cause(ctx)
		}
		return nil, fmt.Errorf("%w: %w", context.Cause(ctx), err)
	}

	if err != nil {
		p.Log.Debug().Err(err).Msg("Closing connection after failure")
		_ = p.Closer.Close()
		return nil, err
	}

	return FromParts(p), nil
}

// Write buffers b without flushing
func (p *Parts) Write(b []byte) error {
	n, err := p.Writer.Write(b)
	p.Stats.AddBytesSent(uint64(n))
	if err != nil {
		return IOError("write", err)
	}
	return nil
}

func (p *Parts) Flush() error {
	if err := p.Writer.Flush(); err != nil {
		return IOError("flush", err)
	}
	return nil
}

// ReadFull fills buf from the read buffer
func (p *Parts) ReadFull(buf []byte) error {
	n, err := io.ReadFull(p.Reader, buf)
	p.Stats.AddBytesRcvd(uint64(n))
	if err != nil {
		return IOError("read", err)
	}
	return nil
}

// WriteBytes writes all of b and flushes.
func (c *Conn) WriteBytes(ctx context.Context, b []byte) (*Conn, error) {
	return c.Do(ctx, func(p *Parts) error {
		if err := p.Write(b); err != nil {
			return err
		}
		return p.Flush()
	})
}

// ReadMagic reads a magic off the wire, replacing the one held by the connection.
func (c *Conn) ReadMagic(ctx context.Context) (*Conn, error) {
	return c.Do(ctx, func(p *Parts) error {
		magic := make(Magic, len(p.Magic))
		if err := p.ReadFull(magic); err != nil {
			return fmt.Errorf("failed to read magic: %w", err)
		}
		p.Magic = magic
		return nil
	})
}

// WriteMagic writes the magic held by the connection.
func (c *Conn) WriteMagic(ctx context.Context) (*Conn, error) {
	return c.Do(ctx, func(p *Parts) error {
		if err := p.Write(p.Magic); err != nil {
			return err
		}
		return p.Flush()
	})
}

// ReadFlag reads one flag byte.
func (c *Conn) ReadFlag(ctx context.Context) (*Conn, Flag, error) {
	var flag Flag
	conn, err := c.Do(ctx, func(p *Parts) error {
		b, err := p.Reader.ReadByte()
		if err != nil {
			return IOError("read flag", err)
		}
		p.Stats.AddBytesRcvd(1)

		flag, err = ParseFlag(b)
		if err != nil {
			return err
		}
		p.Stats.addFlagRcvd()
		return nil
	})
	return conn, flag, err
}

// WriteFlag writes one flag byte.
func (c *Conn) WriteFlag(ctx context.Context, flag Flag) (*Conn, error) {
	if !flag.Valid() {
		return c.Do(ctx, func(*Parts) error {
			return fmt.Errorf("%w: 0x%02x", ErrUnknownFlag, uint8(flag))
		})
	}
	return c.WriteBytes(ctx, []byte{byte(flag)})
}

// ExpectFlag reads one flag and fails with ErrUnexpectedFlag unless it is want
func (c *Conn) ExpectFlag(ctx context.Context, want Flag) (*Conn, error) {
	conn, flag, err := c.ReadFlag(ctx)
	if err != nil {
		return nil, err
	}
	if flag != want {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedFlag, flag, want)
	}
	return conn, nil
}

// AckCommand is the slave half of the acknowledgement that follows every flag.
func (c *Conn) AckCommand(ctx context.Context, mode ResyncMode) (*Conn, error) {
	var err error
	switch mode {
	case ResyncEcho:
	case ResyncReread:
		c, err = c.ReadMagic(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return c.Do(ctx, func(*Parts) error {
			return fmt.Errorf("invalid resync mode: %d", mode)
		})
	}
	return c.WriteMagic(ctx)
}

// AwaitAck is the master half of the acknowledgement that follows every flag.
// The echoed magic must equal the one held by the connection.
func (c *Conn) AwaitAck(ctx context.Context, mode ResyncMode) (*Conn, error) {
	var err error
	switch mode {
	case ResyncEcho:
	case ResyncReread:
		c, err = c.WriteMagic(ctx)
		if err != nil {
			return nil, err
		}
	default:
		return c.Do(ctx, func(*Parts) error {
			return fmt.Errorf("invalid resync mode: %d", mode)
		})
	}

	return c.Do(ctx, func(p *Parts) error {
		echo := make(Magic, len(p.Magic))
		if err := p.ReadFull(echo); err != nil {
			return fmt.Errorf("failed to read magic echo: %w", err)
		}
		if !p.Magic.Equal(echo) {
			return ErrMagicMismatch
		}
		return nil
	})
}

// Close consumes c and closes the underlying stream.
func (c *Conn) Close() error {
	p, err := c.Take()
	if err != nil {
		return err
	}
	p.Log.Debug().
		Uint64("sent", p.Stats.GetBytesSent()).
		Uint64("rcvd", p.Stats.GetBytesRcvd()).
		Msg("Connection closed")
	return p.Closer.Close()
}

func (c *Conn) ID() ulid.ULID {
	if p := c.peek(); p != nil {
		return p.ID
	}
	return ulid.ULID{}
}

// Magic returns a copy of the connection's magic
func (c *Conn) Magic() Magic {
	if p := c.peek(); p != nil {
		return p.Magic.Clone()
	}
	return nil
}

func (c *Conn) Stats() *Stats {
	if p := c.peek(); p != nil {
		return p.Stats
	}
	return nil
}

// Logger returns the connection's logger, tagged with its ID
func (c *Conn) Logger() zerolog.Logger {
	if p := c.peek(); p != nil {
		return p.Log
	}
	return log.Logger
}
