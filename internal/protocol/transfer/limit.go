package transfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// NewLimiter builds a byte-rate limiter. The burst is capped at 1MB so that a
// single write cannot spend the whole second's budget at once.
func NewLimiter(bytesPerSec int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := 1024 * 1024
	if burst > bytesPerSec {
		burst = bytesPerSec
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

type limitedWriter struct {
	ctx context.Context
	w   io.Writer
	l   *rate.Limiter
}

func limit(ctx context.Context, w io.Writer, l *rate.Limiter) io.Writer {
	if l == nil {
		return w
	}
	return &limitedWriter{ctx: ctx, w: w, l: l}
}

func (lw *limitedWriter) Write(b []byte) (int, error) {
	var written int
	for len(b) > 0 {
		n := min(len(b), lw.l.Burst())
		if err := lw.l.WaitN(lw.ctx, n); err != nil {
			return written, err
		}
		m, err := lw.w.Write(b[:n])
		written += m
		if err != nil {
			return written, err
		}
		b = b[n:]
	}
	return written, nil
}
