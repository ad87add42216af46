package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goodieshq/goclust/internal/protocol"
	"golang.org/x/time/rate"
)

// MaxPathLength bounds the path line of a transfer, newline excluded
const MaxPathLength = 4096

// Sink receives transferred files.
type Sink interface {
	Create(path string) (io.WriteCloser, error)
}

// Source provides files requested by the master.
type Source interface {
	Open(path string) (io.ReadCloser, error)
}

// Aborter is implemented by sink writers that can discard a partially written file
type Aborter interface {
	Abort() error
}

// Result describes one completed transfer
type Result struct {
	Path  string
	Bytes int64
}

type options struct {
	limiter *rate.Limiter
}

type Option func(*options)

// WithLimiter caps content throughput to the limiter's rate, in bytes per second
func WithLimiter(l *rate.Limiter) Option {
	return func(o *options) {
		o.limiter = l
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// CopyUntil copies bytes from r to dst until delim is found. The delimiter is
// consumed and not copied. Reaching EOF first yields io.ErrUnexpectedEOF.
//
// Content that itself contains delim is truncated at its first occurrence.
func CopyUntil(r *bufio.Reader, dst io.Writer, delim []byte) (int64, error) {
	if len(delim) == 0 {
		return 0, errors.New("empty delimiter")
	}
	if len(delim) > r.Size() {
		return 0, fmt.Errorf("delimiter of %d bytes exceeds read buffer of %d", len(delim), r.Size())
	}

	var written int64
	for {
		if _, err := r.Peek(len(delim)); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return written, protocol.IOError("read content", err)
		}
		buf, _ := r.Peek(r.Buffered())

		if i := bytes.Index(buf, delim); i >= 0 {
			n, err := dst.Write(buf[:i])
			written += int64(n)
			if err != nil {
				return written, fmt.Errorf("failed to write content: %w", err)
			}
			_, _ = r.Discard(i + len(delim))
			return written, nil
		}

		// the tail may hold the beginning of the delimiter, keep it buffered
		safe := len(buf) - len(delim) + 1
		n, err := dst.Write(buf[:safe])
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("failed to write content: %w", err)
		}
		_, _ = r.Discard(safe)
	}
}

func writeLine(p *protocol.Parts, line string) error {
	if strings.ContainsRune(line, '\n') {
		return fmt.Errorf("%w: contains a newline", protocol.ErrInvalidPath)
	}
	if len(line) > MaxPathLength {
		return fmt.Errorf("%w: longer than %d bytes", protocol.ErrInvalidPath, MaxPathLength)
	}
	if err := p.Write([]byte(line)); err != nil {
		return err
	}
	return p.Write([]byte{'\n'})
}

// readLine reads up to the next newline. Invalid UTF-8 is replaced, never rejected.
func readLine(p *protocol.Parts) (string, error) {
	var line []byte
	for {
		chunk, err := p.Reader.ReadSlice('\n')
		line = append(line, chunk...)
		p.Stats.AddBytesRcvd(uint64(len(chunk)))
		if len(line) > MaxPathLength+1 {
			return "", fmt.Errorf("%w: longer than %d bytes", protocol.ErrInvalidPath, MaxPathLength)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return "", protocol.IOError("read path", err)
	}
	return strings.ToValidUTF8(string(line[:len(line)-1]), "\uFFFD"), nil
}

// connWriter feeds content into the connection, keeping stream failures apart from source failures
type connWriter struct {
	p   *protocol.Parts
	err error
}

func (w *connWriter) Write(b []byte) (int, error) {
	n, err := w.p.Writer.Write(b)
	w.p.Stats.AddBytesSent(uint64(n))
	if err != nil {
		w.err = protocol.IOError("write content", err)
	}
	return n, err
}

func writeDelimited(ctx context.Context, p *protocol.Parts, content io.Reader, o options) (int64, error) {
	cw := &connWriter{p: p}
	n, err := io.Copy(limit(ctx, cw, o.limiter), content)
	if cw.err != nil {
		return n, cw.err
	}
	if err != nil {
		return n, fmt.Errorf("failed to read content: %w", err)
	}
	if err := p.Write(p.Magic); err != nil {
		return n, err
	}
	return n, nil
}

func readDelimited(ctx context.Context, p *protocol.Parts, dst io.Writer, o options) (int64, error) {
	n, err := CopyUntil(p.Reader, limit(ctx, dst, o.limiter), p.Magic)
	p.Stats.AddBytesRcvd(uint64(n))
	if err != nil {
		return n, err
	}
	p.Stats.AddBytesRcvd(uint64(len(p.Magic)))
	return n, nil
}

// WriteLine sends a path or command line.
func WriteLine(ctx context.Context, c *protocol.Conn, line string) (*protocol.Conn, error) {
	return c.Do(ctx, func(p *protocol.Parts) error {
		if err := writeLine(p, line); err != nil {
			return err
		}
		return p.Flush()
	})
}

// ReadLine receives a path or command line.
func ReadLine(ctx context.Context, c *protocol.Conn) (*protocol.Conn, string, error) {
	var line string
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		var err error
		line, err = readLine(p)
		return err
	})
	return conn, line, err
}

// WriteDelimited sends content followed by the connection's magic.
func WriteDelimited(ctx context.Context, c *protocol.Conn, content io.Reader, opts ...Option) (*protocol.Conn, int64, error) {
	o := newOptions(opts)
	var n int64
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		var err error
		n, err = writeDelimited(ctx, p, content, o)
		if err != nil {
			return err
		}
		return p.Flush()
	})
	return conn, n, err
}

// ReadDelimited copies content into dst up to the connection's magic.
func ReadDelimited(ctx context.Context, c *protocol.Conn, dst io.Writer, opts ...Option) (*protocol.Conn, int64, error) {
	o := newOptions(opts)
	var n int64
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		var err error
		n, err = readDelimited(ctx, p, dst, o)
		return err
	})
	return conn, n, err
}

// SendFile sends path, then content, then the magic as terminator.
func SendFile(ctx context.Context, c *protocol.Conn, path string, content io.Reader, opts ...Option) (*protocol.Conn, int64, error) {
	o := newOptions(opts)
	var n int64
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		if err := writeLine(p, path); err != nil {
			return err
		}
		var err error
		n, err = writeDelimited(ctx, p, content, o)
		if err != nil {
			return err
		}
		return p.Flush()
	})
	if err != nil {
		return nil, n, fmt.Errorf("failed to send file %q: %w", path, err)
	}
	return conn, n, nil
}

// ReceiveFile reads a path line, streams the content up to the magic into
// sink, commits the file and acknowledges with SlaveOk.
func ReceiveFile(ctx context.Context, c *protocol.Conn, sink Sink, opts ...Option) (*protocol.Conn, Result, error) {
	o := newOptions(opts)
	var res Result
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		path, err := readLine(p)
		if err != nil {
			return err
		}
		res.Path = path

		w, err := sink.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %q: %w", path, err)
		}

		res.Bytes, err = readDelimited(ctx, p, w, o)
		if err != nil {
			discard(w)
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to commit %q: %w", path, err)
		}
		return nil
	})
	if err != nil {
		return nil, res, fmt.Errorf("failed to receive file: %w", err)
	}

	conn, err = conn.WriteFlag(ctx, protocol.FlagSlaveOk)
	if err != nil {
		return nil, res, err
	}
	return conn, res, nil
}

// ServeFile reads a path line, streams that file from src followed by the
// magic, and acknowledges with SlaveOk.
func ServeFile(ctx context.Context, c *protocol.Conn, src Source, opts ...Option) (*protocol.Conn, Result, error) {
	o := newOptions(opts)
	var res Result
	conn, err := c.Do(ctx, func(p *protocol.Parts) error {
		path, err := readLine(p)
		if err != nil {
			return err
		}
		res.Path = path

		r, err := src.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open %q: %w", path, err)
		}
		defer r.Close()

		res.Bytes, err = writeDelimited(ctx, p, r, o)
		if err != nil {
			return err
		}
		return p.Flush()
	})
	if err != nil {
		return nil, res, fmt.Errorf("failed to serve file: %w", err)
	}

	conn, err = conn.WriteFlag(ctx, protocol.FlagSlaveOk)
	if err != nil {
		return nil, res, err
	}
	return conn, res, nil
}

func discard(w io.WriteCloser) {
	if a, ok := w.(Aborter); ok {
		_ = a.Abort()
		return
	}
	_ = w.Close()
}
