package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goodieshq/goclust/internal/config"
	"github.com/goodieshq/goclust/internal/fsstore"
	"github.com/goodieshq/goclust/internal/metrics"
	"github.com/goodieshq/goclust/internal/slave"
	"github.com/goodieshq/goclust/internal/transport"
	"github.com/goodieshq/goclust/internal/utils"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

func main() {
	app := &cli.App{
		Name:  "goclust-slave",
		Usage: "Serve commands issued by a goclust master",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{config.EnvPrefix + "CONFIG"},
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address, overrides slave.listen",
			},
			&cli.StringFlag{
				Name:  "root",
				Usage: "Directory files are stored in and served from, overrides slave.root",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("Slave error")
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("listen") {
		cfg.Slave.Listen = c.String("listen")
	}
	if c.IsSet("root") {
		cfg.Slave.Root = c.String("root")
	}
	if err := utils.SetupLogger(cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tlsConf, watcher, err := transport.ServerTLS(cfg.TLS)
	if err != nil {
		return fmt.Errorf("failed to configure tls: %w", err)
	}

	dir, err := fsstore.OpenDir(cfg.Slave.Root)
	if err != nil {
		return err
	}
	defer dir.Close()

	var m *metrics.Metrics
	if cfg.Metrics.Listen != "" {
		m = metrics.New()
	}

	dispatcher := &slave.Dispatcher{
		Resync:  cfg.ResyncMode(),
		Sink:    dir,
		MaxRate: cfg.Slave.MaxRateBytes,
		Metrics: m,
	}
	if cfg.Slave.ServeFiles {
		dispatcher.Source = dir
	}
	if cfg.Slave.AllowExec {
		dispatcher.Executor = &slave.CommandExecutor{
			Dir:     cfg.Slave.Root,
			Timeout: cfg.Slave.ExecTimeout,
		}
	}

	srv := slave.NewServer(slave.ServerOpts{
		Listen:         cfg.Slave.Listen,
		TLS:            tlsConf,
		MagicLength:    cfg.Protocol.MagicLength,
		MaxConns:       uint32(cfg.Slave.MaxConns),
		IdleTimeout:    cfg.Slave.IdleTimeout,
		ShutdownPeriod: utils.Ptr(cfg.Slave.ShutdownPeriod),
		Dispatcher:     dispatcher,
		Metrics:        m,
	})

	var wg sync.WaitGroup
	if watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Certificate watcher stopped")
			}
		}()
	}
	if m != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveMetrics(ctx, cfg.Metrics.Listen, m)
		}()
	}

	log.Info().
		Str("root", dir.Path()).
		Bool("exec", dispatcher.Executor != nil).
		Str("resync", cfg.Protocol.Resync).
		Msg("Starting goclust slave")
	err = srv.Run(ctx)
	cancel()
	wg.Wait()
	if err != nil {
		return err
	}
	log.Info().Msg("goclust slave stopped")
	return nil
}

func serveMetrics(ctx context.Context, address string, m *metrics.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	hs := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(shutdownCtx)
	}()

	log.Info().Str("address", address).Msg("Metrics endpoint listening")
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics endpoint stopped")
	}
}
