package slave

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/goodieshq/goclust/internal/transport"
	"github.com/goodieshq/goclust/internal/utils"
	"github.com/rs/zerolog/log"
)

var ErrBusy = errors.New("slave is busy: max concurrent connections reached")

type Server struct {
	listen         string
	tls            *tls.Config
	magicLength    int
	idleTimeout    time.Duration
	shutdownPeriod time.Duration
	dispatcher     *Dispatcher
	metrics        *metrics.Metrics
	slots          chan struct{}
}

type ServerOpts struct {
	Listen         string
	TLS            *tls.Config // nil serves plain TCP
	MagicLength    int
	MaxConns       uint32
	IdleTimeout    time.Duration // 0 disables
	ShutdownPeriod *time.Duration
	Dispatcher     *Dispatcher
	Metrics        *metrics.Metrics
}

func NewServer(opts ServerOpts) *Server {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 1
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = &Dispatcher{}
	}

	slots := make(chan struct{}, opts.MaxConns)
	for i := uint32(0); i < opts.MaxConns; i++ {
		slots <- struct{}{}
	}

	return &Server{
		listen:         opts.Listen,
		tls:            opts.TLS,
		magicLength:    utils.DefaultIfZero(opts.MagicLength, protocol.MagicLength),
		idleTimeout:    opts.IdleTimeout,
		shutdownPeriod: utils.DefaultIfNil(opts.ShutdownPeriod, 5*time.Second),
		dispatcher:     opts.Dispatcher,
		metrics:        opts.Metrics,
		slots:          slots, // semaphore for max concurrent connections
	}
}

func (s *Server) slotAcquire() bool {
	select {
	case <-s.slots:
		return true
	default:
		return false
	}
}

func (s *Server) slotRelease() {
	s.slots <- struct{}{}
}

// Run listens on the configured address and serves until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := transport.Listen(s.listen, s.tls)
	if err != nil {
		return fmt.Errorf("failed to start slave: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled or ln is closed.
// Connections still open at that point get the shutdown period to finish their
// exchange before they are closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stopClose := context.AfterFunc(ctx, func() {
		// Shutdown listener on context cancellation
		ln.Close()
	})
	defer stopClose()

	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()

	log.Info().Str("address", ln.Addr().String()).Bool("tls", s.tls != nil).Msg("Slave listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break // slave is shutting down
			}
			if errors.Is(err, net.ErrClosed) {
				serveErr = fmt.Errorf("listener closed: %w", err)
				break
			}
			log.Warn().Err(err).Msg("Failed to accept connection")
			continue
		}
		log.Debug().Str("remote_addr", conn.RemoteAddr().String()).Msg("Accepted new connection")

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.handle(connCtx, conn)
			if err != nil {
				log.Error().Err(err).Str("remote_addr", conn.RemoteAddr().String()).Msg("Connection handler error")
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.shutdownPeriod):
		log.Warn().Dur("period", s.shutdownPeriod).Msg("Shutdown period elapsed, closing open connections")
		cancelConns()
		<-done
	}
	return serveErr
}

// handle runs the handshake and then dispatches commands until the master hangs up
func (s *Server) handle(ctx context.Context, raw net.Conn) (err error) {
	if !s.slotAcquire() {
		raw.Close()
		return ErrBusy
	}
	defer s.slotRelease()

	s.metrics.ConnOpened()
	defer func() {
		s.metrics.ConnClosed(err)
	}()

	conn, err := protocol.Accept(ctx, transport.WithIdleTimeout(raw, s.idleTimeout), s.magicLength)
	s.metrics.Handshake("slave", err)
	if err != nil {
		return fmt.Errorf("handshake failed: %w", err)
	}

	logger := conn.Logger()
	stats := conn.Stats()
	logger.Info().Str("remote_addr", raw.RemoteAddr().String()).Msg("Master connected")

	for {
		conn, err = s.dispatcher.HandleFlags(ctx, conn)
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrPeerClosed) {
		return err
	}

	duration := stats.Age()
	evt := logger.Info().Dur("duration", duration).Uint64("flags", stats.GetFlagsRcvd())
	if stats.GetBytesSent() > 0 {
		evt = evt.Str("total_sent", utils.DisplayB(stats.GetBytesSent())).
			Str("avg_sent", utils.DisplayBPS(stats.GetBytesSent(), duration))
	}
	if stats.GetBytesRcvd() > 0 {
		evt = evt.Str("total_rcvd", utils.DisplayB(stats.GetBytesRcvd())).
			Str("avg_rcvd", utils.DisplayBPS(stats.GetBytesRcvd(), duration))
	}
	evt.Msg("Master disconnected")
	return nil
}
